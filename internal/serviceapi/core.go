package serviceapi

import (
	"context"

	"adwboard/internal/dispatch"
	"adwboard/internal/model"
	"adwboard/internal/orchestrator"
	"adwboard/internal/stageflow"
)

type CreateRunOptions = dispatch.CreateRunOptions
type TriggerOptions = dispatch.TriggerOptions
type Invocation = dispatch.Invocation
type Resolution = stageflow.Resolution

// Core is the surface shared by the in-process service and the HTTP client.
type Core interface {
	Shutdown()

	DeleteRun(ctx context.Context, runID string) (model.DeletionOutcome, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	GetRun(ctx context.Context, runID string) (model.RunRecord, error)
	CreateRun(ctx context.Context, options CreateRunOptions) (model.RunRecord, error)
	TriggerRun(ctx context.Context, options TriggerOptions) (Invocation, error)
	ResolveWorkflow(ctx context.Context, stages []string) (Resolution, error)
	SubscribeEvents(ctx context.Context, runID string) (<-chan model.LifecycleEvent, func(), error)
	InFlightDeletions(ctx context.Context) ([]string, error)
}

type LocalCore struct {
	service *orchestrator.Service
}

func NewLocalCore(options orchestrator.Options) (*LocalCore, error) {
	service, err := orchestrator.NewService(options)
	if err != nil {
		return nil, err
	}
	return &LocalCore{service: service}, nil
}

func WrapService(service *orchestrator.Service) *LocalCore {
	return &LocalCore{service: service}
}

func (l *LocalCore) Service() *orchestrator.Service {
	return l.service
}

func (l *LocalCore) Shutdown() {
	if l == nil || l.service == nil {
		return
	}
	l.service.Shutdown()
}

func (l *LocalCore) DeleteRun(ctx context.Context, runID string) (model.DeletionOutcome, error) {
	return l.service.DeleteRun(ctx, runID)
}

func (l *LocalCore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	return l.service.ListRuns(ctx)
}

func (l *LocalCore) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	return l.service.GetRun(ctx, runID)
}

func (l *LocalCore) CreateRun(ctx context.Context, options CreateRunOptions) (model.RunRecord, error) {
	return l.service.CreateRun(ctx, options)
}

func (l *LocalCore) TriggerRun(ctx context.Context, options TriggerOptions) (Invocation, error) {
	return l.service.TriggerRun(ctx, options)
}

func (l *LocalCore) ResolveWorkflow(ctx context.Context, stages []string) (Resolution, error) {
	return l.service.ResolveWorkflow(ctx, stages)
}

func (l *LocalCore) SubscribeEvents(ctx context.Context, runID string) (<-chan model.LifecycleEvent, func(), error) {
	return l.service.SubscribeEvents(ctx, runID)
}

func (l *LocalCore) InFlightDeletions(context.Context) ([]string, error) {
	return l.service.InFlightDeletions(), nil
}
