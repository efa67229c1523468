package aladdin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Default cloud endpoints.
const (
	DefaultBaseURL   = "https://pxdqkls7aj.execute-api.us-east-1.amazonaws.com/Android"
	DefaultEventsURL = "wss://event-caster.st1.gdocntl.net/updates"
	DefaultClientID  = "1000"

	requestTimeout = 10 * time.Second
)

// Config holds everything needed to talk to the cloud.
type Config struct {
	Username string
	Password string

	// BaseURL, EventsURL and ClientID default to the production values.
	BaseURL   string
	EventsURL string
	ClientID  string

	// HTTPClient is used for the token exchange and as the transport
	// underneath the authorized client. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	Breaker BreakerConfig
}

// Client implements API against the Aladdin Connect cloud.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	oauth   *oauth2.Config
	breaker *gobreaker.CircuitBreaker

	sessionMu sync.RWMutex
	token     *oauth2.Token
	authed    *http.Client

	// doors is the account snapshot from the last refresh, keyed by doorKey.
	doors   map[doorKey]Door
	doorsMu sync.RWMutex

	events *eventStream
}

type doorKey struct {
	deviceID   int64
	doorNumber int
}

// NewClient creates a cloud client. Nothing is sent until Login.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EventsURL == "" {
		cfg.EventsURL = DefaultEventsURL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if cfg.Breaker.MaxConsecutiveFailures == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger = logger.Named("aladdin")

	c := &Client{
		cfg:    cfg,
		logger: logger,
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.BaseURL + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		breaker: newBreaker(cfg.Breaker, logger),
		doors:   make(map[doorKey]Door),
	}
	c.events = newEventStream(cfg.EventsURL, c.bearer, c.resolveSerial, logger)
	return c
}

// clientContext carries the configured HTTP client into oauth2.
func (c *Client) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
}

// Login exchanges the credentials for a token. The cloud expects the
// password base64 encoded.
func (c *Client) Login(ctx context.Context) (bool, error) {
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.Password))

	token, err := c.oauth.PasswordCredentialsToken(c.clientContext(ctx), c.cfg.Username, password)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && isRejection(rerr) {
			c.logger.Warn("Login rejected",
				zap.String("username", c.cfg.Username),
				zap.String("error_code", rerr.ErrorCode))
			return false, nil
		}
		return false, fmt.Errorf("login: %w", err)
	}

	// The authorized client outlives ctx, so it is built on a background context.
	authed := c.oauth.Client(c.clientContext(context.Background()), token)

	c.sessionMu.Lock()
	c.token = token
	c.authed = authed
	c.sessionMu.Unlock()

	c.logger.Info("Logged in", zap.String("username", c.cfg.Username))
	return true, nil
}

func isRejection(rerr *oauth2.RetrieveError) bool {
	if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "invalid_client" {
		return true
	}
	if rerr.Response == nil {
		return false
	}
	switch rerr.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// bearer returns the current access token for the event stream.
func (c *Client) bearer() (string, error) {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()

	if c.token == nil {
		return "", ErrNotLoggedIn
	}
	return c.token.AccessToken, nil
}

func (c *Client) authorized() (*http.Client, error) {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()

	if c.authed == nil {
		return nil, ErrNotLoggedIn
	}
	return c.authed, nil
}

// do runs one REST call through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	hc, err := c.authorized()
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, hc, method, path, in, out)
	})
	return wrapBreakerError(err, c.cfg.Breaker.Timeout)
}

func (c *Client) roundTrip(ctx context.Context, hc *http.Client, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx REST response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// GetDoors refreshes the account snapshot and returns every door on it.
// It returns nil, nil when the account has no devices.
func (c *Client) GetDoors(ctx context.Context) ([]Door, error) {
	var resp devicesResponse
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &resp); err != nil {
		return nil, err
	}

	var doors []Door
	snapshot := make(map[doorKey]Door)
	for _, device := range resp.Devices {
		for _, d := range device.Doors {
			door := Door{
				DeviceID:   device.ID,
				DoorNumber: d.DoorIndex,
				Name:       d.Name,
				Serial:     device.SerialNumber,
				Status:     StatusFromCode(d.Status),
				LinkStatus: LinkFromCode(d.LinkStatus),
			}
			if door.Name == "" {
				door.Name = device.Name
			}
			doors = append(doors, door)
			snapshot[doorKey{door.DeviceID, door.DoorNumber}] = door
		}
	}

	c.doorsMu.Lock()
	c.doors = snapshot
	c.doorsMu.Unlock()

	c.logger.Debug("Fetched doors", zap.Int("count", len(doors)))
	return doors, nil
}

// GetDoorStatus refreshes the account and returns one door's status.
func (c *Client) GetDoorStatus(ctx context.Context, deviceID int64, doorNumber int) (string, error) {
	if _, err := c.GetDoors(ctx); err != nil {
		return "", err
	}
	door, err := c.cachedDoor(deviceID, doorNumber)
	if err != nil {
		return "", err
	}
	return door.Status, nil
}

// GetDoorLinkStatus reads the link status from the last refresh.
func (c *Client) GetDoorLinkStatus(_ context.Context, deviceID int64, doorNumber int) (string, error) {
	door, err := c.cachedDoor(deviceID, doorNumber)
	if err != nil {
		return "", err
	}
	return door.LinkStatus, nil
}

func (c *Client) cachedDoor(deviceID int64, doorNumber int) (Door, error) {
	c.doorsMu.RLock()
	defer c.doorsMu.RUnlock()

	door, ok := c.doors[doorKey{deviceID, doorNumber}]
	if !ok {
		return Door{}, fmt.Errorf("%w: device %d door %d", ErrDoorNotFound, deviceID, doorNumber)
	}
	return door, nil
}

// resolveSerial maps a controller serial to its device id using the snapshot.
func (c *Client) resolveSerial(serial string) int64 {
	c.doorsMu.RLock()
	defer c.doorsMu.RUnlock()

	for key, door := range c.doors {
		if door.Serial == serial {
			return key.deviceID
		}
	}
	return 0
}

// OpenDoor sends the open command.
func (c *Client) OpenDoor(ctx context.Context, deviceID int64, doorNumber int) error {
	return c.command(ctx, deviceID, doorNumber, CommandOpen)
}

// CloseDoor sends the close command.
func (c *Client) CloseDoor(ctx context.Context, deviceID int64, doorNumber int) error {
	return c.command(ctx, deviceID, doorNumber, CommandClose)
}

func (c *Client) command(ctx context.Context, deviceID int64, doorNumber int, command string) error {
	path := fmt.Sprintf("/devices/%d/door/%d/command", deviceID, doorNumber)
	if err := c.do(ctx, http.MethodPut, path, commandRequest{Command: command}, nil); err != nil {
		return fmt.Errorf("failed to send %s: %w", command, err)
	}

	c.logger.Info("Door command sent",
		zap.Int64("device_id", deviceID),
		zap.Int("door", doorNumber),
		zap.String("command", command))
	return nil
}

// RegisterCallback adds handler to the push event fan-out.
func (c *Client) RegisterCallback(handler EventHandler) (Subscription, error) {
	if _, err := c.bearer(); err != nil {
		return nil, err
	}
	return c.events.subscribe(handler), nil
}

// Close stops the event stream and drops the session.
func (c *Client) Close() error {
	c.events.stop()

	c.sessionMu.Lock()
	c.token = nil
	c.authed = nil
	c.sessionMu.Unlock()
	return nil
}
