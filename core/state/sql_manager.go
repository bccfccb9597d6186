package state

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/state/models"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"strings"
)

var (
	dialectKey     = "registry.dialect"
	databaseURLKey = "database_url"
)

type SQLRegistry struct {
	db *gorm.DB
}

var likeFields = map[string]bool{
	"title": true,
}

// filterable columns; keys outside this set are ignored
var filterFields = map[string]bool{
	"id":         true,
	"title":      true,
	"created_at": true,
}

func NewSQLRegistry(ctx context.Context, c *config.Config) (Registry, error) {
	if !c.IsSet(databaseURLKey) {
		return nil, exceptions.BadConfig(databaseURLKey)
	}
	dbURL := c.GetString(databaseURLKey)

	var dialector gorm.Dialector
	switch c.GetString(dialectKey) {
	case "postgres":
		dialector = postgres.Open(dbURL)
	case "mysql":
		dialector = mysql.Open(dbURL)
	default:
		return nil, exceptions.BadConfig(dialectKey)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, exceptions.RegistryUnavailable(errors.Wrap(err, "Unable to open database"))
	}
	return NewSQLRegistryWithDB(ctx, db)
}

func NewSQLRegistryWithDB(ctx context.Context, db *gorm.DB) (*SQLRegistry, error) {
	if err := db.WithContext(ctx).AutoMigrate(&models.Experiment{}, &models.WorkUnit{}); err != nil {
		return nil, exceptions.RegistryUnavailable(errors.Wrap(err, "Unable to auto-migrate database"))
	}
	return &SQLRegistry{db: db}, nil
}

func (r *SQLRegistry) Create(ctx context.Context, title string) (models.Experiment, error) {
	e := models.Experiment{Title: title}
	if result := r.db.WithContext(ctx).Create(&e); result.Error != nil {
		return e, exceptions.RegistryUnavailable(result.Error)
	}
	return e, nil
}

func (r *SQLRegistry) Lookup(ctx context.Context, id uint) (models.Experiment, error) {
	var e models.Experiment
	if result := r.db.WithContext(ctx).First(&e, "id = ?", id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return e, exceptions.MissingExperiment(id)
		}
		return e, exceptions.RegistryUnavailable(errors.Wrapf(result.Error, "issue getting experiment with id: [%d]", id))
	}
	return e, nil
}

func (r *SQLRegistry) List(ctx context.Context, args *ListArgs) *ExperimentIterator {
	return newExperimentIterator(ctx, args, func(ctx context.Context, offset int, limit int) ([]models.Experiment, error) {
		var page []models.Experiment

		q := r.db.WithContext(ctx).Model(&models.Experiment{})
		if args != nil && args.Filters != nil {
			q = r.applyFilters(q, args.Filters)
		}
		sortBy := "id"
		if args != nil && args.SortBy != nil && filterFields[*args.SortBy] {
			sortBy = *args.SortBy
		}
		// id breaks ties so pages never overlap
		q = q.Order(fmt.Sprintf("%s %s, id asc", sortBy, args.GetOrder()))
		if res := q.Limit(limit).Offset(offset).Find(&page); res.Error != nil {
			return nil, errors.Wrap(res.Error, "problem listing experiments")
		}
		return page, nil
	})
}

func (r *SQLRegistry) applyFilters(q *gorm.DB, filters map[string][]string) *gorm.DB {
	for k, v := range filters {
		field := strings.TrimSuffix(strings.TrimSuffix(k, "_since"), "_until")
		if !filterFields[field] || len(v) == 0 {
			continue
		}
		switch {
		case strings.HasSuffix(k, "_since"):
			// a range bound takes one value; extras are ignored
			q = q.Where(fmt.Sprintf("%s > ?", field), v[0])
		case strings.HasSuffix(k, "_until"):
			q = q.Where(fmt.Sprintf("%s < ?", field), v[0])
		case len(v) > 1:
			q = q.Where(fmt.Sprintf("%s in ?", field), v)
		case likeFields[field]:
			q = q.Where(fmt.Sprintf("%s like ?", field), fmt.Sprintf("%%%s%%", v[0]))
		default:
			q = q.Where(map[string]interface{}{field: v[0]})
		}
	}
	return q
}

func (r *SQLRegistry) RecordWorkUnit(ctx context.Context, wu models.WorkUnit) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "experiment_id"}, {Name: "unit_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "jobs", "updated_at"}),
	}).Create(&wu)
	if result.Error != nil {
		return exceptions.RegistryUnavailable(result.Error)
	}
	return nil
}

func (r *SQLRegistry) ListWorkUnits(ctx context.Context, experimentID uint) ([]models.WorkUnit, error) {
	var units []models.WorkUnit
	q := r.db.WithContext(ctx).Where("experiment_id = ?", experimentID).Order("unit_index asc")
	if res := q.Find(&units); res.Error != nil {
		return nil, exceptions.RegistryUnavailable(errors.Wrap(res.Error, "problem listing work units"))
	}
	return units, nil
}

func (r *SQLRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
