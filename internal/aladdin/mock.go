package aladdin

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements API for testing
type MockClient struct {
	mu sync.Mutex

	loginResult bool
	loginErr    error
	loginCalls  int

	doors     []Door
	doorsErr  error
	statusErr error
	cmdErr    error

	// status and link override the door list for GetDoorStatus/GetDoorLinkStatus
	status map[doorKey]string
	link   map[doorKey]string

	commands []Command

	handlers  []handlerEntry
	nextSubID int
	closed    bool
}

// Command records a door command for testing
type Command struct {
	DeviceID   int64
	DoorNumber int
	Command    string
	Time       time.Time
}

type mockSubscription struct {
	subID int
	mock  *MockClient
}

func (s *mockSubscription) Unsubscribe() {
	s.mock.unsubscribe(s.subID)
}

// NewMockClient creates a mock that accepts any login and reports the given doors.
func NewMockClient(doors ...Door) *MockClient {
	return &MockClient{
		loginResult: true,
		doors:       doors,
		status:      make(map[doorKey]string),
		link:        make(map[doorKey]string),
	}
}

// SetLogin sets the result of Login
func (m *MockClient) SetLogin(ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginResult = ok
	m.loginErr = err
}

// SetDoors replaces the door list. A nil slice makes GetDoors return nil.
func (m *MockClient) SetDoors(doors []Door, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doors = doors
	m.doorsErr = err
}

// SetDoorStatus makes GetDoorStatus report status for one door.
func (m *MockClient) SetDoorStatus(deviceID int64, doorNumber int, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[doorKey{deviceID, doorNumber}] = status
}

// SetDoorLinkStatus makes GetDoorLinkStatus report link for one door.
func (m *MockClient) SetDoorLinkStatus(deviceID int64, doorNumber int, link string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link[doorKey{deviceID, doorNumber}] = link
}

// SetStatusError makes GetDoorStatus fail
func (m *MockClient) SetStatusError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// SetCommandError makes OpenDoor and CloseDoor fail
func (m *MockClient) SetCommandError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmdErr = err
}

// Login returns the configured result
func (m *MockClient) Login(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginCalls++
	return m.loginResult, m.loginErr
}

// LoginCalls returns how many times Login was called
func (m *MockClient) LoginCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCalls
}

// GetDoors returns a copy of the configured doors
func (m *MockClient) GetDoors(_ context.Context) ([]Door, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doorsErr != nil {
		return nil, m.doorsErr
	}
	if m.doors == nil {
		return nil, nil
	}
	doors := make([]Door, len(m.doors))
	copy(doors, m.doors)
	return doors, nil
}

func (m *MockClient) findDoorLocked(deviceID int64, doorNumber int) (Door, bool) {
	for _, d := range m.doors {
		if d.DeviceID == deviceID && d.DoorNumber == doorNumber {
			return d, true
		}
	}
	return Door{}, false
}

// GetDoorStatus returns the override or the door list entry
func (m *MockClient) GetDoorStatus(_ context.Context, deviceID int64, doorNumber int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusErr != nil {
		return "", m.statusErr
	}
	if s, ok := m.status[doorKey{deviceID, doorNumber}]; ok {
		return s, nil
	}
	if d, ok := m.findDoorLocked(deviceID, doorNumber); ok {
		return d.Status, nil
	}
	return "", fmt.Errorf("%w: device %d door %d", ErrDoorNotFound, deviceID, doorNumber)
}

// GetDoorLinkStatus returns the override or the door list entry
func (m *MockClient) GetDoorLinkStatus(_ context.Context, deviceID int64, doorNumber int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.link[doorKey{deviceID, doorNumber}]; ok {
		return l, nil
	}
	if d, ok := m.findDoorLocked(deviceID, doorNumber); ok {
		return d.LinkStatus, nil
	}
	return "", fmt.Errorf("%w: device %d door %d", ErrDoorNotFound, deviceID, doorNumber)
}

// OpenDoor records an open command
func (m *MockClient) OpenDoor(_ context.Context, deviceID int64, doorNumber int) error {
	return m.record(deviceID, doorNumber, CommandOpen)
}

// CloseDoor records a close command
func (m *MockClient) CloseDoor(_ context.Context, deviceID int64, doorNumber int) error {
	return m.record(deviceID, doorNumber, CommandClose)
}

func (m *MockClient) record(deviceID int64, doorNumber int, command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmdErr != nil {
		return m.cmdErr
	}
	m.commands = append(m.commands, Command{
		DeviceID:   deviceID,
		DoorNumber: doorNumber,
		Command:    command,
		Time:       time.Now(),
	})
	return nil
}

// GetCommands returns all recorded commands
func (m *MockClient) GetCommands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	commands := make([]Command, len(m.commands))
	copy(commands, m.commands)
	return commands
}

// RegisterCallback stores the handler so tests can Fire events at it
func (m *MockClient) RegisterCallback(handler EventHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subID := m.nextSubID
	m.nextSubID++
	m.handlers = append(m.handlers, handlerEntry{subID: subID, handler: handler})
	return &mockSubscription{subID: subID, mock: m}, nil
}

func (m *MockClient) unsubscribe(subID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.handlers {
		if entry.subID == subID {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// CallbackCount returns the number of registered handlers
func (m *MockClient) CallbackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// Fire delivers event to every registered handler synchronously
func (m *MockClient) Fire(event DoorEvent) {
	m.mu.Lock()
	entries := append([]handlerEntry(nil), m.handlers...)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.handler(event)
	}
}

// Close marks the mock closed
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
