package aladdin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// handlerEntry holds a handler with its unique subscription ID
type handlerEntry struct {
	subID   int
	handler EventHandler
}

// eventStream keeps one websocket open to the event caster while at least
// one handler is registered, reconnecting with exponential backoff.
type eventStream struct {
	url     string
	bearer  func() (string, error)
	resolve func(serial string) int64
	logger  *zap.Logger
	dialer  *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	handlers  []handlerEntry
	nextSubID int
	mu        sync.Mutex

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newEventStream(url string, bearer func() (string, error), resolve func(string) int64, logger *zap.Logger) *eventStream {
	return &eventStream{
		url:     url,
		bearer:  bearer,
		resolve: resolve,
		logger:  logger.Named("events"),
		dialer:  websocket.DefaultDialer,

		minBackoff: initialBackoff,
		maxBackoff: maxBackoff,
	}
}

type eventSubscription struct {
	subID  int
	stream *eventStream
}

func (s *eventSubscription) Unsubscribe() {
	s.stream.unsubscribe(s.subID)
}

func (s *eventStream) subscribe(handler EventHandler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subID := s.nextSubID
	s.nextSubID++
	s.handlers = append(s.handlers, handlerEntry{subID: subID, handler: handler})

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		s.running = true
		go s.run(ctx, s.done)
	}

	return &eventSubscription{subID: subID, stream: s}
}

// unsubscribe removes a handler; the stream stops with the last one.
func (s *eventStream) unsubscribe(subID int) {
	s.mu.Lock()
	for i, entry := range s.handlers {
		if entry.subID == subID {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			break
		}
	}
	empty := len(s.handlers) == 0
	s.mu.Unlock()

	if empty {
		s.stop()
	}
}

// stop closes the connection and waits for the reader to exit.
func (s *eventStream) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *eventStream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := s.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("Event stream connect failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
		} else {
			s.logger.Info("Event stream connected")
			// Only a connection that delivered frames counts as healthy
			if s.receive(ctx, conn) {
				backoff = s.minBackoff
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Info("Event stream reconnecting", zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *eventStream) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.bearer()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	return conn, err
}

// receive reads frames until the connection drops or ctx is cancelled.
// It reports whether at least one frame arrived.
func (s *eventStream) receive(ctx context.Context, conn *websocket.Conn) bool {
	closed := make(chan struct{})
	defer close(closed)

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-closed:
			conn.Close()
		}
	}()

	delivered := false
	for {
		var msg eventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Event stream lost", zap.Error(err))
			}
			return delivered
		}
		delivered = true
		s.dispatch(msg)
	}
}

func (s *eventStream) dispatch(msg eventMessage) {
	event := DoorEvent{
		Serial:     msg.Serial,
		DoorNumber: msg.Door,
		Status:     StatusFromCode(msg.DoorStatus),
	}
	if msg.Serial != "" && s.resolve != nil {
		event.DeviceID = s.resolve(msg.Serial)
	}

	s.logger.Debug("Door event received",
		zap.String("serial", event.Serial),
		zap.Int("door", event.DoorNumber),
		zap.String("status", event.Status))

	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.handlers...)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.handler(event)
	}
}
