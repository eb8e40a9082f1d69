package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/checkride/pkg/browser"
	rodadapter "github.com/odvcencio/checkride/pkg/browser/adapters/rod"
	"github.com/odvcencio/checkride/pkg/bus"
	"github.com/odvcencio/checkride/pkg/config"
	"github.com/odvcencio/checkride/pkg/diagnose"
	"github.com/odvcencio/checkride/pkg/evidence"
	"github.com/odvcencio/checkride/pkg/runner"
	"github.com/odvcencio/checkride/pkg/storage"
	"github.com/odvcencio/checkride/pkg/telemetry"
	"github.com/odvcencio/checkride/pkg/testcase"
)

// engine bundles everything a command needs to execute runs, plus the
// teardown for each piece.
type engine struct {
	cfg         *config.Config
	store       *storage.Store
	manager     *browser.Manager
	coordinator *runner.Coordinator
	bus         bus.MessageBus
	source      testcase.Source
	tracer      *telemetry.TracerProvider
}

// loadConfig resolves the effective configuration, honoring an explicit
// --config path over the default search order.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// buildEngine wires config into a ready coordinator. watchCases enables
// hot reload of the file case source; only serve wants it.
func buildEngine(cfg *config.Config, watchCases bool) (*engine, error) {
	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, withExitCode(fmt.Errorf("open run database: %w", err), exitInfrastructure)
	}

	blobStore, err := newBlobStore(cfg)
	if err != nil {
		store.Close()
		return nil, withExitCode(fmt.Errorf("open evidence store: %w", err), exitInfrastructure)
	}

	source, err := newCaseSource(cfg, watchCases)
	if err != nil {
		store.Close()
		return nil, withExitCode(fmt.Errorf("open case source: %w", err), exitInfrastructure)
	}

	eventBus, err := bus.New(bus.Config{URL: cfg.Events.NATSURL, Name: "checkride"})
	if err != nil {
		store.Close()
		closeSource(source)
		return nil, withExitCode(fmt.Errorf("connect event bus: %w", err), exitInfrastructure)
	}

	var analyzer diagnose.Analyzer = diagnose.Disabled{}
	if cfg.Diagnostics.Enabled {
		analyzer = diagnose.NewClient(diagnose.ClientConfig{
			URL:          cfg.Diagnostics.URL,
			Timeout:      cfg.Diagnostics.Timeout,
			RetryMax:     cfg.Diagnostics.RetryMax,
			RateLimitRPS: float64(cfg.Diagnostics.RateLimitRPS),
		}, nil)
	}

	rodCfg := rodadapter.Config{
		Headless: cfg.Browser.Headless,
		Bin:      cfg.Browser.Bin,
	}
	manager := browser.NewManager(func(ctx context.Context) (browser.Runtime, error) {
		telemetry.RecordBrowserLaunch()
		return rodadapter.Launch(ctx, rodCfg)
	})

	var tracer *telemetry.TracerProvider
	if cfg.Telemetry.TracingEnabled {
		tracer, err = telemetry.NewTracerProvider("checkride")
		if err != nil {
			store.Close()
			closeSource(source)
			eventBus.Close()
			return nil, withExitCode(fmt.Errorf("init tracing: %w", err), exitInfrastructure)
		}
	}

	coordinator := runner.New(runner.Config{
		Source:   source,
		Store:    store,
		Browser:  manager,
		Recorder: evidence.NewRecorder(blobStore, nil),
		Analyzer: analyzer,
		Bus:      eventBus,
		Session: browser.SessionConfig{
			Viewport: browser.Viewport{
				Width:  cfg.Browser.Viewport.Width,
				Height: cfg.Browser.Viewport.Height,
			},
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			ActionTimeout:     cfg.Browser.ActionTimeout,
			StabilizeIdleGap:  cfg.Browser.StabilizeIdleGap,
		},
		StabilizeTimeout: cfg.Browser.StabilizeTimeout,
		DOMTokenBudget:   cfg.Diagnostics.DOMTokenBudget,
		LogDir:           cfg.Logging.Dir,
		MaxConcurrent:    int64(cfg.Runs.MaxConcurrent),
	})

	return &engine{
		cfg:         cfg,
		store:       store,
		manager:     manager,
		coordinator: coordinator,
		bus:         eventBus,
		source:      source,
		tracer:      tracer,
	}, nil
}

func newBlobStore(cfg *config.Config) (evidence.BlobStore, error) {
	if cfg.Evidence.Backend == "s3" {
		return evidence.NewObjectStore(evidence.ObjectStoreConfig{
			Endpoint:  cfg.Evidence.S3.Endpoint,
			Bucket:    cfg.Evidence.S3.Bucket,
			AccessKey: cfg.Evidence.S3.AccessKey,
			SecretKey: cfg.Evidence.S3.SecretKey,
			UseSSL:    cfg.Evidence.S3.UseSSL,
			Prefix:    cfg.Evidence.S3.Prefix,
		})
	}
	return evidence.NewFSStore(cfg.Evidence.Dir)
}

func newCaseSource(cfg *config.Config, watch bool) (testcase.Source, error) {
	if cfg.Cases.Source == "service" {
		return testcase.NewServiceSource(cfg.Cases.ServiceURL, nil)
	}
	return testcase.NewFileSource(cfg.Cases.Dir, watch, nil)
}

func closeSource(source testcase.Source) {
	if closer, ok := source.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// Close releases everything in reverse acquisition order. Browser
// contexts go first so no run can write after its stores are gone.
func (e *engine) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_ = e.manager.Shutdown(shutdownCtx)
	closeSource(e.source)
	_ = e.bus.Close()
	if e.tracer != nil {
		_ = e.tracer.Shutdown(shutdownCtx)
	}
	_ = e.store.Close()
}
