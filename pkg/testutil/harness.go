// This file provides a TestEnv for end-to-end tests: mock cloud, real
// cloud client, hub, SQLite-backed config entries and the HTTP API.

package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"

	"garagecover/internal/aladdin"
	"garagecover/internal/aladdinconnect"
	"garagecover/internal/api"
	"garagecover/internal/clock"
	"garagecover/internal/configentry"
	"garagecover/internal/metrics"
	"garagecover/internal/platform"
	"garagecover/pkg/integration"

	"go.uber.org/zap"
)

// TestEnv provides a complete environment wired like cmd/garagecover.
type TestEnv struct {
	Cloud   *MockCloudServer
	Hub     *platform.Hub
	Clock   *clock.MockClock
	Metrics *metrics.Metrics
	API     *httptest.Server
	Logger  *zap.Logger

	store     *configentry.Store
	cleanOnce sync.Once
}

// EnvOptions customizes NewTestEnv.
type EnvOptions struct {
	// DataDir holds the SQLite database. Empty means in-memory.
	DataDir string
	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
	// Clock defaults to a MockClock.
	Clock *clock.MockClock
	// ReadOnly starts the hub in read-only mode.
	ReadOnly bool
}

// NewTestEnv starts a mock cloud accepting username/password and a hub
// whose aladdin_connect integration talks to it. Stored entries in
// DataDir are loaded but not set up.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("test-user", "test-password", testutil.EnvOptions{})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(username, password string, opts EnvOptions) (*TestEnv, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewMockClock(clock.NewRealClock().Now())
	}

	path := ":memory:"
	if opts.DataDir != "" {
		path = filepath.Join(opts.DataDir, "garagecover.db")
	}
	store, err := configentry.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	entries := configentry.NewManager(store, logger)
	if err := entries.Load(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	m, err := metrics.New("test")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	cloud := NewMockCloudServer(username, password)
	factory := func(u, p string, l *zap.Logger) aladdin.API {
		return aladdin.NewClient(cloud.Config(u, p), l)
	}

	hub := platform.NewHub(platform.HubConfig{
		Logger:               logger,
		Clock:                clk,
		Entries:              entries,
		ReadOnly:             opts.ReadOnly,
		PollObserver:         m.ObservePoll,
		EntryStateObserver:   m.ObserveEntryState,
		EntryRemovedObserver: m.ForgetEntry,
	}, []integration.Integration{aladdinconnect.New(logger, factory)})
	m.Attach(hub.States(), hub.Services())

	server := api.NewServer(hub, m.Registry(), logger, 0)

	return &TestEnv{
		Cloud:   cloud,
		Hub:     hub,
		Clock:   clk,
		Metrics: m,
		API:     httptest.NewServer(server.Handler()),
		Logger:  logger,
		store:   store,
	}, nil
}

// ImportYAML feeds a legacy `cover: {platform: aladdin_connect}` block to the hub.
func (e *TestEnv) ImportYAML(username, password string) error {
	_, err := e.Hub.SetupComponent(context.Background(), platform.DomainCover, []interface{}{
		map[string]interface{}{
			"platform":                  aladdinconnect.Domain,
			aladdinconnect.ConfUsername: username,
			aladdinconnect.ConfPassword: password,
		},
	})
	return err
}

// Cleanup stops all components in the correct order. Safe to call more
// than once.
func (e *TestEnv) Cleanup() {
	e.cleanOnce.Do(func() {
		e.API.Close()
		e.Hub.Shutdown(context.Background())
		e.Cloud.Close()
		e.store.Close()
	})
}

// GetCommands returns all door commands the mock cloud received.
func (e *TestEnv) GetCommands() []CommandCall {
	return e.Cloud.GetCommands()
}
