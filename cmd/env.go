package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/enrich"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/resilience"
	"github.com/valkyrie-data/enrich-cli/internal/scheduler"
	"github.com/valkyrie-data/enrich-cli/internal/store"
	anthropicpkg "github.com/valkyrie-data/enrich-cli/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initSink(st store.Store) audit.Sink {
	if cfg.Audit.Enabled {
		return audit.NewStoreSink(st)
	}
	return audit.NopSink{}
}

func initEnricher() *enrich.AnthropicClient {
	api := anthropicpkg.NewClient(cfg.Anthropic.Key)
	return enrich.NewAnthropicClient(api, enrich.Config{
		Model:       cfg.Anthropic.Model,
		MaxTokens:   int64(cfg.Anthropic.MaxTokens),
		Temperature: cfg.Anthropic.Temperature,
		Timeout:     time.Duration(cfg.Scheduler.CallTimeoutSecs) * time.Second,
		MaxInflight: int64(cfg.Anthropic.MaxInflight),
		RPS:         cfg.Anthropic.RPS,
		Breaker:     resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs),
	})
}

func initScheduler(st store.Store) *scheduler.Scheduler {
	return scheduler.New(st, initEnricher(), initSink(st), scheduler.Config{
		ReconcileEvery: cfg.Scheduler.ReconcileInterval,
		JitterFraction: cfg.Retry.JitterFraction,
	})
}

func pendingJobIDs(ctx context.Context, st store.Store) ([]string, error) {
	jobs, err := st.ListJobs(ctx, store.JobFilter{Status: model.JobStatusPending})
	if err != nil {
		return nil, eris.Wrap(err, "list pending jobs")
	}
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids, nil
}

// jobConfigFromGlobal seeds a job configuration from process config; flag
// overrides are applied by the caller.
func jobConfigFromGlobal() model.JobConfig {
	return model.JobConfig{
		Concurrency:       cfg.Scheduler.Concurrency,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoffMs:  cfg.Retry.InitialBackoffMs,
		MaxBackoffMs:      cfg.Retry.MaxBackoffMs,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		CallTimeoutSecs:   cfg.Scheduler.CallTimeoutSecs,
	}
}
