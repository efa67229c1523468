package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"garagecover/internal/configentry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// mockIntegration implements the Integration interface for testing
type mockIntegration struct {
	domain   string
	shutdown bool
}

func (m *mockIntegration) Domain() string { return m.domain }
func (m *mockIntegration) SetupEntry(context.Context, Host, configentry.Entry) (bool, error) {
	return true, nil
}
func (m *mockIntegration) UnloadEntry(context.Context, Host, configentry.Entry) (bool, error) {
	return true, nil
}
func (m *mockIntegration) Shutdown() { m.shutdown = true }

func factoryFor(domain string) Factory {
	return func(ctx *Context) (Integration, error) { return &mockIntegration{domain: domain}, nil }
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		wantErr string
	}{
		{
			name: "valid registration",
			info: Info{Domain: "aladdin_connect", Name: "Aladdin Connect", Factory: factoryFor("aladdin_connect")},
		},
		{
			name:    "empty domain",
			info:    Info{Factory: factoryFor("")},
			wantErr: "domain cannot be empty",
		},
		{
			name:    "nil factory",
			info:    Info{Domain: "aladdin_connect"},
			wantErr: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.info)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_DuplicateDomain(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(Info{Domain: "aladdin_connect", Factory: factoryFor("first")}))

	err := registry.Register(Info{Domain: "aladdin_connect", Factory: factoryFor("second")})
	assert.ErrorIs(t, err, ErrDuplicateDomain)

	integrations, err := registry.CreateAll(nil)
	require.NoError(t, err)
	require.Len(t, integrations, 1)
	assert.Equal(t, "first", integrations[0].Domain())
}

func TestRegistry_CreateAll(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	registry := NewRegistry()
	require.NoError(t, registry.Register(Info{Domain: "zeta", Name: "Zeta", Factory: factoryFor("zeta")}))
	require.NoError(t, registry.Register(Info{Domain: "alpha", Name: "Alpha", Factory: factoryFor("alpha")}))

	integrations, err := registry.CreateAll(&Context{Logger: zap.New(core)})
	require.NoError(t, err)
	require.Len(t, integrations, 2)
	assert.Equal(t, "alpha", integrations[0].Domain())
	assert.Equal(t, "zeta", integrations[1].Domain())
	assert.Equal(t, []string{"alpha", "zeta"}, registry.Domains())

	created := logs.FilterMessage("Integration created").All()
	require.Len(t, created, 2)
	assert.Equal(t, "Alpha", created[0].ContextMap()["name"])
}

func TestRegistry_CreateAll_ErrorCleanup(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	registry := NewRegistry()

	first := &mockIntegration{domain: "first"}
	registry.Register(Info{
		Domain:  "first",
		Factory: func(ctx *Context) (Integration, error) { return first, nil },
	})
	registry.Register(Info{
		Domain:  "second",
		Factory: func(ctx *Context) (Integration, error) { return nil, errors.New("creation failed") },
	})

	integrations, err := registry.CreateAll(&Context{Logger: zap.New(core)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create integration second")
	assert.Nil(t, integrations)
	assert.True(t, first.shutdown, "first integration should have been shut down on cleanup")

	failed := logs.FilterMessage("Failed to create integration").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "second", failed[0].ContextMap()["domain"])
}

func TestNotReadyError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("setting up entry: %w", NewNotReadyError(cause))

	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, cause)

	var notReady *NotReadyError
	require.True(t, errors.As(err, &notReady))
	assert.Contains(t, err.Error(), "not ready: connection refused")
}
