package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// Scheduler refits every model key on a cron schedule.
type Scheduler struct {
	pipeline *Pipeline
	cron     *cron.Cron
	schedule string
}

// NewScheduler validates schedule as a standard five field cron expression.
func NewScheduler(pipeline *Pipeline, schedule string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("%w: invalid refit schedule %q: %w", knowledge.ErrInvalidConfiguration, schedule, err)
	}
	return &Scheduler{pipeline: pipeline, schedule: schedule}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	log := logger.FromContext(ctx)
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			log.Error("Scheduled refit failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("ingest: schedule refit: %w", err)
	}
	s.cron.Start()
	log.Info("Refit scheduler started", "schedule", s.schedule)
	return nil
}

// Stop waits for a running refit to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunOnce refits each model key once. Keys without an indexable corpus are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	tenants, err := s.pipeline.docs.Tenants(ctx)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	seen := make(map[string]struct{}, len(tenants))
	var errs []error
	for _, tenant := range tenants {
		key := s.pipeline.models.Key(tenant)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if _, err := s.pipeline.Refit(ctx, tenant); err != nil {
			if errors.Is(err, knowledge.ErrEmptyCorpus) {
				log.Debug("Skipping refit of empty corpus", "model_key", key)
				continue
			}
			errs = append(errs, fmt.Errorf("refit %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
