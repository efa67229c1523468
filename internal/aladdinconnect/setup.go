package aladdinconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"garagecover/internal/aladdin"
	"garagecover/internal/configentry"
	"garagecover/internal/platform"
	"garagecover/pkg/integration"

	"go.uber.org/zap"
)

func init() {
	if err := integration.Register(integration.Info{
		Domain: Domain,
		Name:   Name,
		Factory: func(ctx *integration.Context) (integration.Integration, error) {
			return New(ctx.Logger, DefaultClientFactory), nil
		},
	}); err != nil {
		panic(err)
	}
}

// ClientFactory builds a cloud client for one account.
type ClientFactory func(username, password string, logger *zap.Logger) aladdin.API

// DefaultClientFactory talks to the production cloud.
func DefaultClientFactory(username, password string, logger *zap.Logger) aladdin.API {
	return aladdin.NewClient(aladdin.Config{Username: username, Password: password}, logger)
}

// Integration sets up Aladdin Connect config entries. It keeps one
// logged-in client per loaded entry.
type Integration struct {
	logger    *zap.Logger
	newClient ClientFactory

	mu      sync.Mutex
	clients map[string]aladdin.API
}

// New creates the integration.
func New(logger *zap.Logger, newClient ClientFactory) *Integration {
	return &Integration{
		logger:    logger.Named(Domain),
		newClient: newClient,
		clients:   make(map[string]aladdin.API),
	}
}

// Domain returns "aladdin_connect".
func (i *Integration) Domain() string { return Domain }

// SetupEntry logs in, lists the account's doors and adds one cover per door.
//
// Rejected credentials return false. A cloud that cannot be reached
// returns a NotReadyError so the host retries.
func (i *Integration) SetupEntry(ctx context.Context, host integration.Host, entry configentry.Entry) (bool, error) {
	logger := i.logger.With(zap.String("entry_id", entry.EntryID))
	client := i.newClient(entry.Data[ConfUsername], entry.Data[ConfPassword], i.logger)

	ok, err := client.Login(ctx)
	if err != nil {
		client.Close()
		return false, integration.NewNotReadyError(fmt.Errorf("logging in to %s: %w", Name, err))
	}
	if !ok {
		client.Close()
		logger.Error("Login failed, check username and password")
		return false, nil
	}

	doors, err := client.GetDoors(ctx)
	if err != nil {
		client.Close()
		if errors.Is(err, aladdin.ErrNotLoggedIn) {
			return false, fmt.Errorf("listing doors: %w", err)
		}
		return false, integration.NewNotReadyError(fmt.Errorf("listing doors: %w", err))
	}

	i.mu.Lock()
	if old, exists := i.clients[entry.EntryID]; exists {
		old.Close()
	}
	i.clients[entry.EntryID] = client
	i.mu.Unlock()

	entities := make([]integration.Entity, 0, len(doors))
	for _, door := range doors {
		entities = append(entities, NewCover(client, door, i.logger))
	}
	if len(entities) == 0 {
		logger.Info("No doors found on account")
	}

	if err := host.AddEntities(ctx, platform.DomainCover, entry, entities, false); err != nil {
		i.dropClient(entry.EntryID)
		return false, fmt.Errorf("adding covers: %w", err)
	}

	logger.Info("Set up doors", zap.Int("count", len(entities)))
	return true, nil
}

// UnloadEntry closes the entry's client. The host removes the covers,
// which drops their push subscriptions.
func (i *Integration) UnloadEntry(_ context.Context, _ integration.Host, entry configentry.Entry) (bool, error) {
	i.dropClient(entry.EntryID)
	return true, nil
}

func (i *Integration) dropClient(entryID string) {
	i.mu.Lock()
	client, ok := i.clients[entryID]
	delete(i.clients, entryID)
	i.mu.Unlock()

	if ok {
		if err := client.Close(); err != nil {
			i.logger.Warn("Error closing client", zap.String("entry_id", entryID), zap.Error(err))
		}
	}
}

// Client returns the client of a loaded entry.
func (i *Integration) Client(entryID string) (aladdin.API, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.clients[entryID]
	return c, ok
}

// Shutdown closes every client.
func (i *Integration) Shutdown() {
	i.mu.Lock()
	ids := make([]string, 0, len(i.clients))
	for id := range i.clients {
		ids = append(ids, id)
	}
	i.mu.Unlock()

	for _, id := range ids {
		i.dropClient(id)
	}
}

// SetupPlatform imports a legacy `cover: {platform: aladdin_connect}`
// block into a config entry.
func (i *Integration) SetupPlatform(ctx context.Context, host integration.Host, _ string, config map[string]interface{}) error {
	i.logger.Warn("Configuring Aladdin Connect through yaml is deprecated. " +
		"Your configuration has been imported into a config entry; " +
		"remove the aladdin_connect platform from configuration.yaml")

	username, _ := config[ConfUsername].(string)
	password, _ := config[ConfPassword].(string)
	if username == "" || password == "" {
		return fmt.Errorf("%s platform config requires %s and %s", Domain, ConfUsername, ConfPassword)
	}

	result, err := host.InitFlow(ctx, Domain, configentry.SourceImport, map[string]string{
		ConfUsername: username,
		ConfPassword: password,
	})
	if err != nil {
		return fmt.Errorf("importing yaml configuration: %w", err)
	}

	switch result.Type {
	case integration.FlowResultAbort:
		i.logger.Info("YAML configuration already imported", zap.String("reason", result.Reason))
	case integration.FlowResultForm:
		i.logger.Error("YAML configuration could not be imported", zap.Any("errors", result.Errors))
	}
	return nil
}

// NewConfigFlow starts a config flow.
func (i *Integration) NewConfigFlow(host integration.Host) integration.ConfigFlow {
	return &ConfigFlow{host: host, newClient: i.newClient, logger: i.logger}
}
