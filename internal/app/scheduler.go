/**
 * @description
 * Cron scheduler for the service's background maintenance jobs: the
 * stale-pending sweep and the reconciliation retry pass.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 5 * time.Minute

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
}

// NewScheduler creates a new scheduler instance around the service.
func NewScheduler(service *Service) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	return &Scheduler{cron: c, service: service}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start(sweepSpec, reconcileSpec string) {
	if _, err := s.cron.AddFunc(sweepSpec, s.runSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule stale sweep job\" spec=%q err=%v", sweepSpec, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled stale sweep job\" spec=%q", sweepSpec)
	}

	if _, err := s.cron.AddFunc(reconcileSpec, s.runReconcileRetry); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconcile retry job\" spec=%q err=%v", reconcileSpec, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled reconcile retry job\" spec=%q", reconcileSpec)
	}

	s.cron.Start()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.service.SweepStalePending(ctx); err != nil {
		log.Printf("level=error component=scheduler job=sweep err=%v", err)
	}
}

func (s *Scheduler) runReconcileRetry() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.service.RetryFailedReconciliations(ctx, 0); err != nil {
		log.Printf("level=error component=scheduler job=reconcile_retry err=%v", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
