// Package history records cover state changes to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"garagecover/internal/config"
	"garagecover/internal/platform"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// Measurement written for every cover state change.
	Measurement = "cover_state"

	millisecondsPerSecond = 1000
)

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb history disabled")

	// ErrConnectionFailed wraps ping failures.
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

// Recorder writes one point per cover state change. Writes are
// non-blocking and batched by the client.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger

	mu  sync.Mutex
	sub platform.Subscription
}

// Connect pings the server and returns a recorder bound to cfg's bucket.
func Connect(cfg config.InfluxDBConfig, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.Named("history"),
	}
	go r.handleWriteErrors(r.writeAPI.Errors())

	return r, nil
}

func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.logger.Warn("InfluxDB write failed", zap.Error(err))
	}
}

// Attach starts recording changes from states.
func (r *Recorder) Attach(states *platform.StateMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.sub = states.Subscribe(r.handleStateChange)
}

// Point builds the point for a cover state. Removed entities are not
// recorded.
func Point(state *platform.State) *write.Point {
	fields := map[string]interface{}{
		"state":     state.State,
		"available": state.State != platform.StateUnavailable,
		"open":      state.State == platform.StateOpen || state.State == platform.StateOpening,
	}
	tags := map[string]string{"entity_id": state.EntityID}
	if name, ok := state.Attributes["friendly_name"].(string); ok && name != "" {
		tags["friendly_name"] = name
	}
	return write.NewPoint(Measurement, tags, fields, state.LastUpdated)
}

func (r *Recorder) handleStateChange(entityID string, _, newState *platform.State) {
	if newState == nil || !strings.HasPrefix(entityID, platform.DomainCover+".") {
		return
	}
	r.writeAPI.WritePoint(Point(newState))
}

// Flush sends buffered points.
func (r *Recorder) Flush() {
	r.writeAPI.Flush()
}

// Close stops recording, flushes and closes the client.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
	return nil
}
