package services

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/alienrobotwizard/xmanager/core/state/models"
)

//
// ExperimentService is the read-only view of the registry served over HTTP
//
type ExperimentService interface {
	ListExperiments(ctx context.Context, args *state.ListArgs) (models.ExperimentList, error)
	GetExperiment(ctx context.Context, id uint) (models.Experiment, error)
	ListWorkUnits(ctx context.Context, id uint) ([]models.WorkUnit, error)
}

func NewExperimentService(c *config.Config, registry state.Registry) (ExperimentService, error) {
	return &experimentService{registry: registry}, nil
}

type experimentService struct {
	registry state.Registry
}

func (es *experimentService) ListExperiments(ctx context.Context, args *state.ListArgs) (models.ExperimentList, error) {
	experiments, err := state.Collect(es.registry.List(ctx, args))
	if err != nil {
		return models.ExperimentList{}, err
	}
	if experiments == nil {
		experiments = []models.Experiment{}
	}
	return models.ExperimentList{Total: int64(len(experiments)), Experiments: experiments}, nil
}

func (es *experimentService) GetExperiment(ctx context.Context, id uint) (models.Experiment, error) {
	return es.registry.Lookup(ctx, id)
}

// ListWorkUnits fails with ErrNotFound for unknown experiments rather than returning an empty list.
func (es *experimentService) ListWorkUnits(ctx context.Context, id uint) ([]models.WorkUnit, error) {
	if _, err := es.registry.Lookup(ctx, id); err != nil {
		return nil, err
	}
	return es.registry.ListWorkUnits(ctx, id)
}
