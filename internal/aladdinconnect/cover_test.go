package aladdinconnect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"garagecover/internal/aladdin"
	"garagecover/internal/aladdinconnect"
	"garagecover/internal/clock"
	"garagecover/internal/configentry"
	"garagecover/internal/platform"
	"garagecover/pkg/integration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testDeviceID = int64(533255)
	testEntity   = "cover.home"
)

var yamlConfig = map[string]string{
	aladdinconnect.ConfUsername: "test-user",
	aladdinconnect.ConfPassword: "test-password",
}

func door(status, link string) aladdin.Door {
	return aladdin.Door{
		DeviceID:   testDeviceID,
		DoorNumber: 1,
		Name:       "home",
		Status:     status,
		LinkStatus: link,
	}
}

type fixture struct {
	hub   *platform.Hub
	clock *clock.MockClock
	api   *aladdin.MockClient
	logs  *observer.ObservedLogs
	made  []string
}

func newFixture(t *testing.T, api *aladdin.MockClient) *fixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	clk := clock.NewMockClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))

	f := &fixture{clock: clk, api: api, logs: logs}
	factory := func(username, password string, _ *zap.Logger) aladdin.API {
		f.made = append(f.made, username+":"+password)
		return api
	}

	f.hub = platform.NewHub(platform.HubConfig{
		Logger: logger,
		Clock:  clk,
	}, []integration.Integration{aladdinconnect.New(logger, factory)})
	return f
}

func (f *fixture) addEntry(t *testing.T) configentry.Entry {
	t.Helper()
	entry, err := f.hub.ConfigEntries().Add(context.Background(), configentry.Entry{
		Domain:   aladdinconnect.Domain,
		Title:    aladdinconnect.Name,
		Data:     yamlConfig,
		UniqueID: "test-id",
	})
	require.NoError(t, err)
	return entry
}

func (f *fixture) setup(t *testing.T) configentry.Entry {
	t.Helper()
	entry := f.addEntry(t)
	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	require.True(t, ok)
	return entry
}

func (f *fixture) state(t *testing.T) string {
	t.Helper()
	s := f.hub.States().Get(testEntity)
	require.NotNil(t, s, "no state for %s", testEntity)
	return s.State
}

func (f *fixture) entryState(t *testing.T, entryID string) configentry.State {
	t.Helper()
	e, err := f.hub.ConfigEntries().Get(entryID)
	require.NoError(t, err)
	return e.State
}

func TestSetup_GetDoorsNil(t *testing.T) {
	api := aladdin.NewMockClient()
	api.SetDoors(nil, nil)
	f := newFixture(t, api)
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.hub.States().All())
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))
}

func TestSetup_LoginRejected(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusOpen, aladdin.LinkConnected))
	api.SetLogin(false, nil)
	f := newFixture(t, api)
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, configentry.StateSetupError, f.entryState(t, entry.EntryID))
	assert.Empty(t, f.hub.States().All())
	assert.True(t, api.Closed())
}

func TestSetup_CloudUnreachable(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusOpen, aladdin.LinkConnected))
	api.SetLogin(false, errors.New("dial tcp: connection refused"))
	f := newFixture(t, api)
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	assert.ErrorIs(t, err, integration.ErrNotReady)
	assert.False(t, ok)
	assert.Equal(t, configentry.StateSetupRetry, f.entryState(t, entry.EntryID))

	// The cloud comes back and the scheduled retry loads the entry
	api.SetLogin(true, nil)
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))
	assert.Equal(t, platform.StateOpen, f.state(t))
}

func TestSetup_NoError(t *testing.T) {
	f := newFixture(t, aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected)))
	entry := f.setup(t)

	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))
	assert.Len(t, f.hub.ConfigEntries().Entries(aladdinconnect.Domain), 1)
	assert.Contains(t, f.hub.Components(), platform.DomainCover)
	assert.Equal(t, []string{"test-user:test-password"}, f.made)

	s := f.hub.States().Get(testEntity)
	require.NotNil(t, s)
	assert.Equal(t, platform.StateClosed, s.State)
	assert.Equal(t, "garage", s.Attributes["device_class"])
	assert.Equal(t, platform.CoverSupportOpen|platform.CoverSupportClose, s.Attributes["supported_features"])
	assert.Equal(t, true, s.Attributes["is_closed"])
	assert.Equal(t, testDeviceID, s.Attributes["device_id"])
	assert.Equal(t, 1, s.Attributes["door_number"])
	assert.Equal(t, "home", s.Attributes["friendly_name"])
}

func TestSetup_DisconnectedDoorIsUnavailable(t *testing.T) {
	f := newFixture(t, aladdin.NewMockClient(door(aladdin.StatusOpen, aladdin.LinkDisconnected)))
	f.setup(t)

	assert.Equal(t, platform.StateUnavailable, f.state(t))
	assert.Nil(t, f.hub.States().Get(testEntity).Attributes["is_closed"])
}

func TestSetup_MissingLinkStatusIsUnavailable(t *testing.T) {
	f := newFixture(t, aladdin.NewMockClient(door(aladdin.StatusOpen, "")))
	f.setup(t)

	assert.Equal(t, platform.StateUnavailable, f.state(t))
}

func TestCover_UniqueIDs(t *testing.T) {
	second := door(aladdin.StatusOpen, aladdin.LinkDisconnected)
	second.DoorNumber = 2
	f := newFixture(t, aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected), second))
	f.setup(t)

	assert.Equal(t, []string{"cover.home", "cover.home_2"}, f.hub.States().EntityIDs(platform.DomainCover))
	assert.Equal(t, platform.StateUnavailable, f.hub.States().Get("cover.home_2").State)

	cover := aladdinconnect.NewCover(f.api, second, zap.NewNop())
	assert.Equal(t, "533255-2", cover.UniqueID())
}

func TestCover_Open(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected))
	api.SetDoorStatus(testDeviceID, 1, aladdin.StatusOpen)
	f := newFixture(t, api)
	f.setup(t)

	err := f.hub.Services().Call(context.Background(), platform.DomainCover, platform.ServiceOpenCover,
		map[string]interface{}{"entity_id": testEntity})
	require.NoError(t, err)

	commands := api.GetCommands()
	require.Len(t, commands, 1)
	assert.Equal(t, aladdin.CommandOpen, commands[0].Command)
	assert.Equal(t, testDeviceID, commands[0].DeviceID)
	assert.Equal(t, 1, commands[0].DoorNumber)
	assert.Equal(t, platform.StateOpen, f.state(t))
}

func TestCover_Close(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusOpen, aladdin.LinkConnected))
	api.SetDoorStatus(testDeviceID, 1, aladdin.StatusClosed)
	f := newFixture(t, api)
	f.setup(t)

	err := f.hub.Services().Call(context.Background(), platform.DomainCover, platform.ServiceCloseCover,
		map[string]interface{}{"entity_id": testEntity})
	require.NoError(t, err)

	commands := api.GetCommands()
	require.Len(t, commands, 1)
	assert.Equal(t, aladdin.CommandClose, commands[0].Command)
	assert.Equal(t, platform.StateClosed, f.state(t))
}

func TestCover_CommandError(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected))
	api.SetCommandError(aladdin.ErrUnavailable)
	f := newFixture(t, api)
	f.setup(t)

	err := f.hub.Services().Call(context.Background(), platform.DomainCover, platform.ServiceOpenCover,
		map[string]interface{}{"entity_id": testEntity})
	assert.ErrorIs(t, err, aladdin.ErrUnavailable)
	assert.Equal(t, platform.StateClosed, f.state(t))
}

func TestCover_PollTransitions(t *testing.T) {
	tests := []struct {
		name   string
		status string
	}{
		{"closing", aladdin.StatusClosing},
		{"opening", aladdin.StatusOpening},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := aladdin.NewMockClient(door(aladdin.StatusOpen, aladdin.LinkConnected))
			f := newFixture(t, api)
			f.setup(t)
			require.Equal(t, platform.StateOpen, f.state(t))

			api.SetDoorStatus(testDeviceID, 1, tt.status)

			f.clock.Advance(299 * time.Second)
			assert.Equal(t, platform.StateOpen, f.state(t))

			f.clock.Advance(time.Second)
			assert.Equal(t, tt.status, f.state(t))
		})
	}
}

func TestCover_PollDisconnect(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusOpen, aladdin.LinkConnected))
	f := newFixture(t, api)
	f.setup(t)

	api.SetDoorLinkStatus(testDeviceID, 1, aladdin.LinkDisconnected)
	f.clock.Advance(300 * time.Second)
	assert.Equal(t, platform.StateUnavailable, f.state(t))

	api.SetDoorLinkStatus(testDeviceID, 1, aladdin.LinkConnected)
	f.clock.Advance(300 * time.Second)
	assert.Equal(t, platform.StateOpen, f.state(t))
}

func TestCover_PollErrorMarksUnavailable(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected))
	f := newFixture(t, api)
	f.setup(t)

	api.SetStatusError(aladdin.ErrUnavailable)
	f.clock.Advance(300 * time.Second)
	assert.Equal(t, platform.StateUnavailable, f.state(t))

	// A push event brings the door back before the next poll
	api.Fire(aladdin.DoorEvent{DeviceID: testDeviceID, DoorNumber: 1, Status: aladdin.StatusOpening})
	assert.Equal(t, platform.StateOpening, f.state(t))

	api.SetStatusError(nil)
	f.clock.Advance(300 * time.Second)
	assert.Equal(t, platform.StateClosed, f.state(t))
}

func TestCover_Callback(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosing, aladdin.LinkConnected))
	f := newFixture(t, api)
	f.setup(t)
	require.Equal(t, platform.StateClosing, f.state(t))
	require.Equal(t, 1, api.CallbackCount())

	// Other doors and other devices are ignored
	api.Fire(aladdin.DoorEvent{DoorNumber: 2, Status: aladdin.StatusOpen})
	api.Fire(aladdin.DoorEvent{DeviceID: 1, DoorNumber: 1, Status: aladdin.StatusOpen})
	assert.Equal(t, platform.StateClosing, f.state(t))

	// Matching event applies immediately without a poll
	api.Fire(aladdin.DoorEvent{DoorNumber: 1, Status: aladdin.StatusOpening})
	assert.Equal(t, platform.StateOpening, f.state(t))
}

func TestCover_CallbackOnDisconnectedDoor(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkDisconnected))
	f := newFixture(t, api)
	f.setup(t)
	require.Equal(t, platform.StateUnavailable, f.state(t))

	// A push event does not override a dead link
	api.Fire(aladdin.DoorEvent{DoorNumber: 1, Status: aladdin.StatusOpening})
	assert.Equal(t, platform.StateUnavailable, f.state(t))
	assert.Nil(t, f.hub.States().Get(testEntity).Attributes["is_closed"])

	api.SetDoorLinkStatus(testDeviceID, 1, aladdin.LinkConnected)
	f.clock.Advance(300 * time.Second)
	assert.Equal(t, platform.StateClosed, f.state(t))

	api.Fire(aladdin.DoorEvent{DoorNumber: 1, Status: aladdin.StatusOpening})
	assert.Equal(t, platform.StateOpening, f.state(t))
}

func TestUnload(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected))
	f := newFixture(t, api)
	entry := f.setup(t)

	ok, err := f.hub.UnloadEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, api.Closed())
	assert.Equal(t, 0, api.CallbackCount())
	assert.Empty(t, f.hub.States().All())
	assert.Equal(t, 0, f.clock.Pending())
	assert.Equal(t, configentry.StateNotLoaded, f.entryState(t, entry.EntryID))
}

func TestYAMLImport(t *testing.T) {
	api := aladdin.NewMockClient(door(aladdin.StatusClosed, aladdin.LinkConnected))
	f := newFixture(t, api)
	ctx := context.Background()

	assert.NotContains(t, f.hub.Components(), platform.DomainCover)

	ok, err := f.hub.SetupComponent(ctx, platform.DomainCover, map[string]interface{}{
		"platform": aladdinconnect.Domain,
		"username": "test-user",
		"password": "test-password",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, f.logs.FilterMessageSnippet("Configuring Aladdin Connect through yaml is deprecated").Len())

	entries := f.hub.ConfigEntries().Entries(aladdinconnect.Domain)
	require.Len(t, entries, 1)
	assert.Equal(t, "test-user", entries[0].Data[aladdinconnect.ConfUsername])
	assert.Equal(t, "test-password", entries[0].Data[aladdinconnect.ConfPassword])
	assert.Equal(t, configentry.SourceImport, entries[0].Source)
	assert.Equal(t, configentry.StateLoaded, entries[0].State)
	assert.Equal(t, platform.StateClosed, f.state(t))

	// Importing the same block again does not create a second entry
	_, err = f.hub.SetupComponent(ctx, platform.DomainCover, map[string]interface{}{
		"platform": aladdinconnect.Domain,
		"username": "Test-User",
		"password": "test-password",
	})
	require.NoError(t, err)
	assert.Len(t, f.hub.ConfigEntries().Entries(aladdinconnect.Domain), 1)
}

func TestYAMLImport_MissingCredentials(t *testing.T) {
	f := newFixture(t, aladdin.NewMockClient())

	_, err := f.hub.SetupComponent(context.Background(), platform.DomainCover, map[string]interface{}{
		"platform": aladdinconnect.Domain,
		"username": "test-user",
	})
	require.NoError(t, err)
	assert.Empty(t, f.hub.ConfigEntries().Entries(aladdinconnect.Domain))
	assert.Equal(t, 1, f.logs.FilterMessage("Error setting up platform").Len())
}
