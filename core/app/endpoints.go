package app

import (
	"github.com/alienrobotwizard/xmanager/core/app/services"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"net/http"
	"strconv"
	"time"
)

func Initialize(
	experimentService services.ExperimentService,
	metricsHandler http.Handler,
	allowedOrigins []string,
) *gin.Engine {
	d := gin.Default()

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	d.Use(cors.New(corsConfig))

	if metricsHandler != nil {
		d.GET("/metrics", gin.WrapH(metricsHandler))
	}

	r := d.Group("/api")

	r.GET("/experiment", func(c *gin.Context) {
		request, err := listArgs(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if response, err := experimentService.ListExperiments(c, request); err != nil {
			abortNotFoundOrError(c, err)
		} else {
			c.JSON(http.StatusOK, response)
		}
	})

	r.GET("/experiment/:experiment_id", func(c *gin.Context) {
		id, ok := experimentID(c)
		if !ok {
			return
		}
		experiment, err := experimentService.GetExperiment(c, id)
		if err != nil {
			abortNotFoundOrError(c, err)
			return
		}
		c.JSON(http.StatusOK, experiment)
	})

	r.GET("/experiment/:experiment_id/work_units", func(c *gin.Context) {
		id, ok := experimentID(c)
		if !ok {
			return
		}
		units, err := experimentService.ListWorkUnits(c, id)
		if err != nil {
			abortNotFoundOrError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":      len(units),
			"work_units": units,
		})
	})

	return d
}

func experimentID(c *gin.Context) (uint, bool) {
	raw := c.Param("experiment_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": services.InvalidExperimentID(raw).Error()})
		return 0, false
	}
	return uint(id), true
}

func listArgs(c *gin.Context) (*state.ListArgs, error) {
	var request state.ListArgs
	for k, v := range c.Request.URL.Query() {
		switch k {
		case "limit", "offset":
			n, err := strconv.Atoi(v[0])
			if err != nil || n < 0 {
				return nil, services.InvalidListArg(k, v[0])
			}
			if k == "limit" {
				request.Limit = &n
			} else {
				request.Offset = &n
			}
		case "sort_by":
			sortBy := v[0]
			request.SortBy = &sortBy
		case "order":
			order := v[0]
			request.Order = &order
		default:
			request.AddFilter(k, v[0])
		}
	}
	return &request, nil
}

func abortNotFoundOrError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, exceptions.ErrRecordNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, exceptions.ErrRegistryUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		_ = c.AbortWithError(http.StatusInternalServerError, err)
	}
}
