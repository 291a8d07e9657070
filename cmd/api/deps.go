package main

import (
	"context"
	"fmt"
	"time"

	"finsync/internal/bootstrap"
	"finsync/internal/domain/job"
	"finsync/internal/infrastructure/memory"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/infrastructure/postgres/listener"
	httphandlers "finsync/internal/interfaces/http"
	"finsync/internal/interfaces/scheduler"
	"finsync/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	*bootstrap.Container

	// Handlers
	HealthHandler     *httphandlers.HealthHandler
	ConnectionHandler *httphandlers.ConnectionHandler
	JobHandler        *httphandlers.JobHandler

	// Background processing
	Pool       *scheduler.WorkerPool
	Dispatcher *scheduler.Dispatcher
	Scheduler  *scheduler.Scheduler
	Listener   *listener.JobListener
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	container, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := &Dependencies{
		Container:         container,
		HealthHandler:     httphandlers.NewHealthHandler(container.HealthChecks()),
		ConnectionHandler: httphandlers.NewConnectionHandler(container.Connections, container.Jobs),
		JobHandler:        httphandlers.NewJobHandler(container.JobStore),
	}

	registry := scheduler.NewRegistry()
	scheduler.RegisterHandlers(registry, container.Services())

	deps.Pool = scheduler.NewWorkerPool(cfg.Jobs.WorkerCount, cfg.Jobs.JobDelay, cfg.Jobs.QueueSize)
	deps.Dispatcher = scheduler.NewDispatcher(container.JobStore, registry, deps.Pool, scheduler.DispatcherConfig{
		PollInterval: cfg.Jobs.PollInterval,
		BatchSize:    cfg.Jobs.BatchSize,
		LockTimeout:  cfg.Jobs.LockTimeout,
	})

	switch store := container.JobStore.(type) {
	case *postgres.JobRepository:
		deps.Listener = listener.NewJobListener(cfg.Database.ConnectionString(), postgres.JobsChannel)
		deps.Dispatcher.SetWakeup(deps.Listener.Wake())
	case *memory.JobStore:
		wake := make(chan struct{}, 1)
		store.OnInsert(func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		deps.Dispatcher.SetWakeup(wake)
	}

	if cfg.Scheduler.Enabled {
		deps.Scheduler, err = scheduler.NewScheduler(container.Jobs, scheduleEntries(cfg), cfg.Scheduler.RunOnStartup)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
	}

	return deps, nil
}

// scheduleEntries maps the configured sweep times onto job kinds. Kinds
// without times are left out.
func scheduleEntries(cfg *config.Config) []scheduler.Entry {
	var entries []scheduler.Entry
	timed := []struct {
		kind  job.Kind
		times []string
	}{
		{job.KindHealthDisconnected, cfg.Scheduler.HealthSweepTimes},
		{job.KindHealthExpiring, cfg.Scheduler.ExpiringSweepTimes},
		{job.KindBalanceRefresh, cfg.Scheduler.BalanceRefreshTimes},
	}
	for _, t := range timed {
		if len(t.times) > 0 {
			entries = append(entries, scheduler.Entry{Kind: t.kind, Times: t.times})
		}
	}
	if cfg.Scheduler.ScheduleTickEvery > 0 {
		entries = append(entries, scheduler.Entry{Kind: job.KindScheduleTick, Every: cfg.Scheduler.ScheduleTickEvery})
	}
	return entries
}

// Start launches the background workers. They stop when ctx is cancelled.
func (d *Dependencies) Start(ctx context.Context) {
	d.Pool.Start()
	if d.Listener != nil {
		d.Listener.Start(ctx)
	}
	go d.Dispatcher.Run(ctx)
	if d.Scheduler != nil {
		d.Scheduler.Start()
	}
}

// Close stops background work and releases all resources.
func (d *Dependencies) Close(timeout time.Duration) {
	if d.Scheduler != nil {
		d.Scheduler.Shutdown(timeout)
	}
	d.Pool.Shutdown(timeout)
	if d.Listener != nil {
		<-d.Listener.Done()
	}
	d.Container.Close()
}
