package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/keel/internal/archive"
	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/config"
	"github.com/hyperengineering/keel/internal/connector"
	"github.com/hyperengineering/keel/internal/propagation"
	"github.com/hyperengineering/keel/internal/retention"
	"github.com/hyperengineering/keel/internal/scheduler"
	"github.com/hyperengineering/keel/internal/store"
	"github.com/hyperengineering/keel/internal/upsert"
	"github.com/hyperengineering/keel/internal/verify"
)

// app holds the components shared by serve and the operator commands.
type app struct {
	cfg        *config.Config
	store      *store.Store
	scheduler  *scheduler.Scheduler
	queue      *propagation.Queue
	dispatcher *propagation.Dispatcher
	sweeper    *retention.Sweeper
}

// newApp opens the store and wires every component from cfg.
func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, st *store.Store) (*app, error) {
	policy := backoff.NewPolicy(
		time.Duration(cfg.Backoff.BaseDelay),
		time.Duration(cfg.Backoff.MaxDelay),
		cfg.Backoff.JitterPercent,
	)
	instance := instanceID()

	processor := upsert.NewProcessor(st)
	replica := verify.ChecksummerFunc(st.CountAndChecksum)

	sources := make([]scheduler.Source, 0, len(cfg.Sync.Sources))
	for _, sc := range cfg.Sync.Sources {
		if sc.Schema != "" {
			if err := processor.RegisterSchemaFile(sc.Table, sc.Schema); err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.ID, err)
			}
		}
		var token string
		if sc.TokenEnv != "" {
			token = os.Getenv(sc.TokenEnv)
		}
		conn := connector.New(sc.ID, connector.NewHTTPSource(connector.HTTPSourceOptions{
			BaseURL:   sc.BaseURL,
			Token:     token,
			UserAgent: "keel/" + Version,
		}), connector.Options{
			BatchSize:      cfg.Sync.BatchSize,
			MaxAttempts:    cfg.Sync.MaxRetriesPull,
			RequestTimeout: time.Duration(cfg.Sync.RequestTimeout),
			RateLimit:      cfg.Sync.RateLimit,
			RateBurst:      cfg.Sync.RateBurst,
			Policy:         policy,
		})
		sources = append(sources, scheduler.Source{
			ID:       sc.ID,
			Table:    sc.Table,
			Puller:   conn,
			Verifier: verify.New(conn, replica),
		})
	}

	sched := scheduler.New(st, processor, sources, scheduler.Options{
		Interval:       time.Duration(cfg.Sync.Interval),
		LeaseTTL:       time.Duration(cfg.Sync.LeaseTTL),
		AlertThreshold: cfg.Sync.AlertThreshold,
		Workers:        cfg.Sync.Workers,
		InstanceID:     instance,
	})

	deliverer := propagation.NewHTTPDeliverer(cfg.Propagation.Agents, cfg.Propagation.Token, nil)
	queue := propagation.NewQueue(st, deliverer, propagation.QueueOptions{
		MaxRetries:      cfg.Propagation.MaxRetriesDelivery,
		LeaseTTL:        time.Duration(cfg.Propagation.LeaseTTL),
		DeliveryTimeout: time.Duration(cfg.Propagation.DeliveryTimeout),
		Policy:          policy,
		Owner:           instance,
	})
	dispatcher := propagation.NewDispatcher(queue,
		time.Duration(cfg.Propagation.PollInterval), cfg.Propagation.Workers)

	archiver, err := archive.New(cfg.Retention.Archive)
	if err != nil {
		return nil, err
	}
	sweeper := retention.NewSweeper(st, archiver, retention.Options{
		Interval:     time.Duration(cfg.Retention.Interval),
		MemoryWindow: time.Duration(cfg.Retention.MemoryWindow),
		ReportWindow: time.Duration(cfg.Retention.ReportWindow),
	})

	return &app{
		cfg:        cfg,
		store:      st,
		scheduler:  sched,
		queue:      queue,
		dispatcher: dispatcher,
		sweeper:    sweeper,
	}, nil
}

// Close releases the store.
func (a *app) Close() error {
	return a.store.Close()
}

// instanceID names this process in lease and claim owners.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "keel"
	}
	return host + "-" + uuid.NewString()[:8]
}
