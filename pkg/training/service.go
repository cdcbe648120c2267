package training

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/common/models"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"gorm.io/datatypes"
)

// Executor carries out one training run.
type Executor interface {
	Validate(config map[string]interface{}) error
	Execute(ctx context.Context, run RunInfo) (Result, error)
}

// ValidationError marks a run request that can never succeed.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Service queues training runs and executes them in the background on a
// bounded number of workers.
type Service struct {
	repo      *Repository
	executor  Executor
	project   string
	workerSem chan struct{}
	wg        sync.WaitGroup
	baseCtx   context.Context
}

func NewService(ctx context.Context, repo *Repository, executor Executor, project string, maxWorkers int) *Service {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Service{
		repo:      repo,
		executor:  executor,
		project:   project,
		workerSem: make(chan struct{}, maxWorkers),
		baseCtx:   ctx,
	}
}

func (s *Service) Create(ctx context.Context, input CreateRunInput) (models.TrainingRun, error) {
	if err := s.executor.Validate(input.Config); err != nil {
		return models.TrainingRun{}, ValidationError{reason: err}
	}
	now := time.Now().UTC()
	run := &RunModel{
		ID:        uuid.New(),
		Name:      input.Name,
		Config:    datatypes.JSONMap(input.Config),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return models.TrainingRun{}, err
	}

	s.wg.Add(1)
	go s.run(RunInfo{ID: run.ID, Name: run.Name, Project: s.project, Config: input.Config})
	return toDomain(run), nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.TrainingRun, error) {
	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.TrainingRun{}, err
	}
	return toDomain(run), nil
}

func (s *Service) List(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	runs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.TrainingRun, 0, len(runs))
	for i := range runs {
		results = append(results, toDomain(&runs[i]))
	}
	return results, nil
}

func (s *Service) Metrics(ctx context.Context, id uuid.UUID, name string) ([]models.MetricPoint, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	points, err := s.repo.Metrics(ctx, id, name)
	if err != nil {
		return nil, err
	}
	out := make([]models.MetricPoint, 0, len(points))
	for _, p := range points {
		out = append(out, models.MetricPoint{RunID: p.RunID, Name: p.Name, Value: p.Value, Step: p.Step, Timestamp: p.CreatedAt})
	}
	return out, nil
}

// Wait blocks until every queued run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) run(info RunInfo) {
	defer s.wg.Done()
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	ctx := s.baseCtx
	log := logger.Log.WithField(logger.RunIDKey, info.ID.String())
	start := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, info.ID, StatusRunning, nil, "", ""); err != nil {
		log.WithError(err).Error("failed to mark run running")
	}
	if err := s.repo.SetTimestamps(ctx, info.ID, &start, nil); err != nil {
		log.WithError(err).Error("failed to set start timestamp")
	}

	result, err := s.execute(ctx, info)
	if err != nil {
		s.failRun(ctx, info.ID, err)
		metrics.ObserveRun(StatusFailed, time.Since(start).Seconds())
		return
	}

	if err := s.repo.UpdateStatus(ctx, info.ID, StatusCompleted, result.Metrics, result.ArtifactPath, ""); err != nil {
		log.WithError(err).Error("failed to mark run complete")
	}
	completed := time.Now().UTC()
	if err := s.repo.SetTimestamps(ctx, info.ID, nil, &completed); err != nil {
		log.WithError(err).Error("failed to set completion timestamp")
	}
	metrics.ObserveRun(StatusCompleted, time.Since(start).Seconds())
	log.WithField("artifact", result.ArtifactPath).Info("Training run completed")
}

func (s *Service) execute(ctx context.Context, info RunInfo) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("training run panicked")
			logger.Log.WithField("panic", r).WithField(logger.RunIDKey, info.ID.String()).Error("Recovered from panic in training run")
		}
	}()
	return s.executor.Execute(ctx, info)
}

// failRun records the failure even when ctx was cancelled by shutdown.
func (s *Service) failRun(ctx context.Context, runID uuid.UUID, err error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.Log.WithField(logger.RunIDKey, runID.String())
	log.WithError(err).Error("training run failed")
	if uerr := s.repo.UpdateStatus(ctx, runID, StatusFailed, nil, "", err.Error()); uerr != nil {
		log.WithError(uerr).Error("failed to mark run failed")
	}
	completed := time.Now().UTC()
	if terr := s.repo.SetTimestamps(ctx, runID, nil, &completed); terr != nil {
		log.WithError(terr).Error("failed to set completion timestamp")
	}
}

func toDomain(run *RunModel) models.TrainingRun {
	result := models.TrainingRun{
		ID:           run.ID,
		Name:         run.Name,
		Status:       run.Status,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		ArtifactPath: run.ArtifactPath,
		ErrorMessage: run.ErrorMessage,
	}
	if run.Config != nil {
		result.Config = map[string]interface{}(run.Config)
	}
	if run.Metrics != nil {
		result.Metrics = map[string]interface{}(run.Metrics)
	}
	return result
}
