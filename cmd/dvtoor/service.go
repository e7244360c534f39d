package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/ethpandaops/dvtoor/pkg/export"
	"github.com/ethpandaops/dvtoor/pkg/hub"
	"github.com/ethpandaops/dvtoor/pkg/metrics"
	"github.com/ethpandaops/dvtoor/pkg/orchestrator"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/ethpandaops/dvtoor/pkg/suite/bootdrive"
	"github.com/ethpandaops/dvtoor/pkg/suite/certification"
	"github.com/ethpandaops/dvtoor/pkg/suite/datadrive"
	"github.com/ethpandaops/dvtoor/pkg/suite/robustness"
)

// service holds the components shared by the serve and run commands.
type service struct {
	store   runstore.Store
	hub     *hub.Hub
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
}

func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	timeout, err := cfg.Orchestrator.RunTimeoutDuration()
	if err != nil {
		return nil, err
	}

	m := metrics.New(cfg.Metrics)

	store, err := runstore.New(log, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("creating run store: %w", err)
	}

	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting run store: %w", err)
	}

	exporters, err := export.FromConfig(log, &cfg.Export)
	if err != nil {
		_ = store.Stop()

		return nil, err
	}

	fanout := export.NewFanout(log, m, exporters...)

	if err := fanout.Preflight(ctx); err != nil {
		_ = store.Stop()

		return nil, fmt.Errorf("export preflight: %w", err)
	}

	h := hub.New(log, m, cfg.API.WebSocket.BufferSize)

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(m),
		orchestrator.WithRunTimeout(timeout),
	}

	if fanout.Len() > 0 {
		opts = append(opts, orchestrator.WithExporter(fanout))
	}

	return &service{
		store:   store,
		hub:     h,
		metrics: m,
		orch:    orchestrator.New(log, newRegistry(&cfg.Suites), store, h, opts...),
	}, nil
}

// newRegistry registers every test module against the configured probe.
func newRegistry(cfg *config.SuitesConfig) *suite.Registry {
	var probe device.Probe = device.NewSimulated(cfg.Faults)
	if cfg.Probe == config.ProbeHost {
		probe = device.NewHost(log)
	}

	pacer := suite.Pacer{Scale: cfg.DelayScale}

	return suite.NewRegistry(
		bootdrive.New(log, probe, pacer),
		datadrive.New(log, probe, pacer),
		robustness.New(log, probe, pacer),
		certification.New(log, probe, pacer),
	)
}

// stop cancels outstanding runs, then releases the hub and the store.
func (s *service) stop() {
	s.orch.Stop()
	s.hub.Close()

	if err := s.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop run store")
	}
}
