package platform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"garagecover/internal/clock"
	"garagecover/internal/configentry"
	"garagecover/pkg/integration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCover is a polling cover whose Update copies next into state.
type fakeCover struct {
	mu       sync.Mutex
	name     string
	uniqueID string
	state    string
	next     string
	poll     bool
	updates  int
	opens    int
	closes   int
	cmdErr   error
	handle   integration.EntityHandle
	removed  bool
}

func (c *fakeCover) Name() string     { return c.name }
func (c *fakeCover) UniqueID() string { return c.uniqueID }
func (c *fakeCover) ShouldPoll() bool { return c.poll }

func (c *fakeCover) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCover) Attributes() map[string]interface{} {
	return map[string]interface{}{"device_class": "garage"}
}

func (c *fakeCover) Update(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	if c.next != "" {
		c.state = c.next
	}
	return nil
}

func (c *fakeCover) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.next = StateOpening
	return c.cmdErr
}

func (c *fakeCover) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.next = StateClosing
	return c.cmdErr
}

func (c *fakeCover) AddedToHost(handle integration.EntityHandle) error {
	c.handle = handle
	return nil
}

func (c *fakeCover) RemovedFromHost() { c.removed = true }

// push simulates a device event written outside the poll cycle.
func (c *fakeCover) push(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.handle.WriteState()
}

// fakeIntegration adds its covers on setup and returns the scripted result.
type fakeIntegration struct {
	mu          sync.Mutex
	covers      []*fakeCover
	setupResult bool
	setupErr    error
	setupCalls  int
	unloads     int
	platformCfg []map[string]interface{}
	shutdown    bool

	// gate, when set, holds SetupEntry until closed
	gate chan struct{}
}

func (f *fakeIntegration) Domain() string { return "fake" }

func (f *fakeIntegration) SetupEntry(ctx context.Context, host integration.Host, entry configentry.Entry) (bool, error) {
	f.mu.Lock()
	f.setupCalls++
	ok, err, gate := f.setupResult, f.setupErr, f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil || !ok {
		return ok, err
	}

	entities := make([]integration.Entity, 0, len(f.covers))
	for _, c := range f.covers {
		entities = append(entities, c)
	}
	return true, host.AddEntities(ctx, DomainCover, entry, entities, false)
}

func (f *fakeIntegration) UnloadEntry(ctx context.Context, host integration.Host, entry configentry.Entry) (bool, error) {
	f.unloads++
	return true, nil
}

func (f *fakeIntegration) Shutdown() { f.shutdown = true }

func (f *fakeIntegration) SetupPlatform(ctx context.Context, host integration.Host, platform string, cfg map[string]interface{}) error {
	f.platformCfg = append(f.platformCfg, cfg)
	_, err := host.InitFlow(ctx, "fake", configentry.SourceImport, map[string]string{
		"username": cfg["username"].(string),
	})
	return err
}

func (f *fakeIntegration) NewConfigFlow(host integration.Host) integration.ConfigFlow {
	return &fakeFlow{}
}

type fakeFlow struct{}

func (fakeFlow) StepUser(ctx context.Context, input map[string]string) (integration.FlowResult, error) {
	if input == nil {
		return integration.FlowResult{Type: integration.FlowResultForm, StepID: "user"}, nil
	}
	return integration.FlowResult{
		Type:     integration.FlowResultCreateEntry,
		Title:    input["username"],
		Data:     input,
		UniqueID: strings.ToLower(input["username"]),
	}, nil
}

func (f fakeFlow) StepImport(ctx context.Context, input map[string]string) (integration.FlowResult, error) {
	return f.StepUser(ctx, input)
}

type hubFixture struct {
	hub   *Hub
	clock *clock.MockClock
	fake  *fakeIntegration
	cover *fakeCover
}

func newHubFixture(t *testing.T, readOnly bool) *hubFixture {
	t.Helper()
	clk := clock.NewMockClock(testStart)
	cover := &fakeCover{name: "Home", uniqueID: "533255-1", state: StateClosed, poll: true}
	fake := &fakeIntegration{covers: []*fakeCover{cover}, setupResult: true}

	hub := NewHub(HubConfig{
		Logger:   zap.NewNop(),
		Clock:    clk,
		ReadOnly: readOnly,
	}, []integration.Integration{fake})

	return &hubFixture{hub: hub, clock: clk, fake: fake, cover: cover}
}

func (f *hubFixture) addEntry(t *testing.T) configentry.Entry {
	t.Helper()
	entry, err := f.hub.ConfigEntries().Add(context.Background(), configentry.Entry{
		Domain:   "fake",
		Title:    "test",
		UniqueID: "test-id",
		Data:     map[string]string{"username": "test-user"},
	})
	require.NoError(t, err)
	return entry
}

func (f *hubFixture) entryState(t *testing.T, entryID string) configentry.State {
	t.Helper()
	e, err := f.hub.ConfigEntries().Get(entryID)
	require.NoError(t, err)
	return e.State
}

func TestHub_SetupEntry_Loaded(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))

	assert.Equal(t, []string{"cover", "fake"}, f.hub.Components())
	state := f.hub.States().Get("cover.home")
	require.NotNil(t, state)
	assert.Equal(t, StateClosed, state.State)
	assert.Equal(t, "Home", state.Attributes["friendly_name"])
	assert.True(t, f.hub.Services().Has(DomainCover, ServiceOpenCover))

	_, err = f.hub.SetupEntry(context.Background(), entry.EntryID)
	assert.ErrorIs(t, err, ErrEntryAlreadyLoaded)
}

func TestHub_SetupEntry_ReturnsFalse(t *testing.T) {
	f := newHubFixture(t, false)
	f.fake.setupResult = false
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, configentry.StateSetupError, f.entryState(t, entry.EntryID))
	assert.Empty(t, f.hub.States().All())
}

func TestHub_SetupEntry_Error(t *testing.T) {
	f := newHubFixture(t, false)
	f.fake.setupErr = errors.New("unexpected")
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, configentry.StateSetupError, f.entryState(t, entry.EntryID))
	assert.Equal(t, 0, f.clock.Pending(), "plain errors are not retried")
}

func TestHub_SetupEntry_RetryBackoff(t *testing.T) {
	f := newHubFixture(t, false)
	f.fake.setupErr = integration.NewNotReadyError(errors.New("connection refused"))
	entry := f.addEntry(t)

	ok, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	assert.ErrorIs(t, err, integration.ErrNotReady)
	assert.False(t, ok)
	assert.Equal(t, configentry.StateSetupRetry, f.entryState(t, entry.EntryID))

	// First retry after 5s fails again, second is due 10s later
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 2, f.fake.setupCalls)
	f.clock.Advance(9 * time.Second)
	assert.Equal(t, 2, f.fake.setupCalls)

	f.fake.mu.Lock()
	f.fake.setupErr = nil
	f.fake.mu.Unlock()

	f.clock.Advance(time.Second)
	assert.Equal(t, 3, f.fake.setupCalls)
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))
	assert.NotNil(t, f.hub.States().Get("cover.home"))
}

func TestHub_UnloadEntry(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	require.Equal(t, 1, f.clock.Pending(), "poll timer armed")

	ok, err := f.hub.UnloadEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, f.fake.unloads)
	assert.True(t, f.cover.removed)
	assert.Nil(t, f.hub.States().Get("cover.home"))
	assert.Equal(t, configentry.StateNotLoaded, f.entryState(t, entry.EntryID))
	assert.Equal(t, 0, f.clock.Pending(), "poll timer stopped")

	// Entity ids are released and can be reused by the next setup
	_, err = f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.NotNil(t, f.hub.States().Get("cover.home"))
}

func TestHub_ReloadEntry(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	ok, err := f.hub.ReloadEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.fake.unloads)
	assert.Equal(t, 2, f.fake.setupCalls)
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))
	assert.NotNil(t, f.hub.States().Get("cover.home"))

	_, err = f.hub.ReloadEntry(context.Background(), "missing")
	assert.ErrorIs(t, err, configentry.ErrNotFound)
}

func (f *fakeIntegration) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setupCalls
}

func TestHub_SetupEntry_InProgress(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	gate := make(chan struct{})
	f.fake.gate = gate
	ctx := context.Background()

	type result struct {
		ok  bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ok, err := f.hub.SetupEntry(ctx, entry.EntryID)
		first <- result{ok, err}
	}()
	require.Eventually(t, func() bool { return f.fake.calls() == 1 }, time.Second, 5*time.Millisecond)

	// A second setup, an unload and a reload are all refused meanwhile
	ok, err := f.hub.SetupEntry(ctx, entry.EntryID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrSetupInProgress)

	_, err = f.hub.UnloadEntry(ctx, entry.EntryID)
	assert.ErrorIs(t, err, ErrSetupInProgress)

	_, err = f.hub.ReloadEntry(ctx, entry.EntryID)
	assert.ErrorIs(t, err, ErrSetupInProgress)

	close(gate)
	res := <-first
	require.NoError(t, res.err)
	assert.True(t, res.ok)

	assert.Equal(t, 1, f.fake.calls())
	assert.Equal(t, 0, f.fake.unloads)
	assert.Len(t, f.hub.Platforms(entry.EntryID), 1)
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))

	// The marker is released once setup returns
	_, err = f.hub.SetupEntry(ctx, entry.EntryID)
	assert.ErrorIs(t, err, ErrEntryAlreadyLoaded)
}

func TestHub_SetupEntries(t *testing.T) {
	f := newHubFixture(t, false)
	f.fake.covers = nil
	ctx := context.Background()

	var ids []string
	for _, user := range []string{"alice", "bob", "carol", "dave", "erin"} {
		entry, err := f.hub.ConfigEntries().Add(ctx, configentry.Entry{
			Domain:   "fake",
			Title:    user,
			UniqueID: user,
			Data:     map[string]string{"username": user},
		})
		require.NoError(t, err)
		ids = append(ids, entry.EntryID)
	}
	_, err := f.hub.SetupEntry(ctx, ids[0])
	require.NoError(t, err)

	f.hub.SetupEntries(ctx)

	assert.Equal(t, len(ids), f.fake.setupCalls)
	for _, id := range ids {
		assert.Equal(t, configentry.StateLoaded, f.entryState(t, id))
	}
}

func TestHub_RemoveEntry(t *testing.T) {
	f := newHubFixture(t, false)
	var removed []configentry.Entry
	f.hub.removedObs = func(e configentry.Entry) { removed = append(removed, e) }

	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	require.NoError(t, f.hub.RemoveEntry(context.Background(), entry.EntryID))
	assert.Empty(t, f.hub.ConfigEntries().Entries("fake"))
	assert.Empty(t, f.hub.States().All())
	require.Len(t, removed, 1)
	assert.Equal(t, entry.EntryID, removed[0].EntryID)
	assert.Equal(t, "fake", removed[0].Domain)

	// Unknown entries are not reported
	assert.Error(t, f.hub.RemoveEntry(context.Background(), entry.EntryID))
	assert.Len(t, removed, 1)
}

func TestHub_Polling(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	f.cover.mu.Lock()
	f.cover.next = StateOpening
	f.cover.mu.Unlock()

	f.clock.Advance(299 * time.Second)
	assert.Equal(t, StateClosed, f.hub.States().Get("cover.home").State)

	f.clock.Advance(time.Second)
	assert.Equal(t, StateOpening, f.hub.States().Get("cover.home").State)
	assert.Equal(t, 1, f.cover.updates)

	f.clock.Advance(600 * time.Second)
	assert.Equal(t, 3, f.cover.updates)
}

func TestHub_PushWriteBypassesPoll(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	f.cover.push(StateOpening)
	assert.Equal(t, StateOpening, f.hub.States().Get("cover.home").State)
	assert.Equal(t, 0, f.cover.updates)
}

func TestHub_CoverServices(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	ctx := context.Background()

	err = f.hub.Services().Call(ctx, DomainCover, ServiceOpenCover, map[string]interface{}{"entity_id": "cover.home"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.cover.opens)
	// Polling entities are refreshed after the command
	assert.Equal(t, StateOpening, f.hub.States().Get("cover.home").State)

	err = f.hub.Services().Call(ctx, DomainCover, ServiceCloseCover, map[string]interface{}{"entity_id": []interface{}{"cover.home"}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.cover.closes)
	assert.Equal(t, StateClosing, f.hub.States().Get("cover.home").State)

	err = f.hub.Services().Call(ctx, DomainCover, ServiceOpenCover, map[string]interface{}{"entity_id": "cover.garage"})
	assert.ErrorIs(t, err, ErrEntityNotFound)

	f.cover.cmdErr = errors.New("cloud said no")
	err = f.hub.Services().Call(ctx, DomainCover, ServiceOpenCover, map[string]interface{}{"entity_id": "cover.home"})
	assert.ErrorContains(t, err, "cloud said no")
}

func TestHub_CoverServices_ReadOnly(t *testing.T) {
	f := newHubFixture(t, true)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	err = f.hub.Services().Call(context.Background(), DomainCover, ServiceOpenCover, map[string]interface{}{"entity_id": "cover.home"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.cover.opens)
}

func TestHub_SetupComponent_PlatformImport(t *testing.T) {
	f := newHubFixture(t, false)
	ctx := context.Background()

	ok, err := f.hub.SetupComponent(ctx, DomainCover, map[string]interface{}{
		"platform": "fake",
		"username": "Test-User",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, f.fake.platformCfg, 1)

	entries := f.hub.ConfigEntries().Entries("fake")
	require.Len(t, entries, 1)
	assert.Equal(t, configentry.SourceImport, entries[0].Source)
	assert.Equal(t, "test-user", entries[0].UniqueID)
	assert.Equal(t, configentry.StateLoaded, entries[0].State)
	assert.NotNil(t, f.hub.States().Get("cover.home"))

	// Unknown platforms are logged and skipped
	ok, err = f.hub.SetupComponent(ctx, DomainCover, []interface{}{
		map[string]interface{}{"platform": "nope"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHub_SetupComponent_IntegrationDomain(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)

	ok, err := f.hub.SetupComponent(context.Background(), "fake", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, configentry.StateLoaded, f.entryState(t, entry.EntryID))

	_, err = f.hub.SetupComponent(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)
}

func TestHub_InitFlow(t *testing.T) {
	f := newHubFixture(t, false)
	ctx := context.Background()

	result, err := f.hub.InitFlow(ctx, "fake", configentry.SourceUser, nil)
	require.NoError(t, err)
	assert.Equal(t, integration.FlowResultForm, result.Type)

	result, err = f.hub.InitFlow(ctx, "fake", configentry.SourceUser, map[string]string{"username": "a"})
	require.NoError(t, err)
	assert.Equal(t, integration.FlowResultCreateEntry, result.Type)
	assert.NotEmpty(t, result.EntryID)

	result, err = f.hub.InitFlow(ctx, "fake", configentry.SourceUser, map[string]string{"username": "A"})
	require.NoError(t, err)
	assert.Equal(t, integration.FlowResultAbort, result.Type)
	assert.Equal(t, "already_configured", result.Reason)

	_, err = f.hub.InitFlow(ctx, "unknown", configentry.SourceUser, nil)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)
}

func TestHub_DuplicateEntityNames(t *testing.T) {
	f := newHubFixture(t, false)
	f.fake.covers = append(f.fake.covers, &fakeCover{name: "home", uniqueID: "533255-2", state: StateOpen})
	entry := f.addEntry(t)

	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	assert.Equal(t, []string{"cover.home", "cover.home_2"}, f.hub.States().EntityIDs(DomainCover))
}

func TestHub_Shutdown(t *testing.T) {
	f := newHubFixture(t, false)
	entry := f.addEntry(t)
	_, err := f.hub.SetupEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)

	f.hub.Shutdown(context.Background())
	assert.True(t, f.fake.shutdown)
	assert.Equal(t, 1, f.fake.unloads)
	assert.Empty(t, f.hub.States().All())
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"home":            "home",
		"Home":            "home",
		"Garage Door #2":  "garage_door_2",
		"  leading":       "leading",
		"trailing!!":      "trailing",
		"a--b":            "a_b",
		"":                "",
		"!!!":             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), "Slugify(%q)", in)
	}
}
