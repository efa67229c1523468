// Package testutil provides a mock Aladdin Connect cloud for tests: the
// OAuth2 token endpoint, the device REST API and the websocket event caster.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"garagecover/internal/aladdin"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockDevice is one controller on the mock account.
type MockDevice struct {
	ID     int64
	Serial string
	Name   string
	Doors  []MockDoor
}

// MockDoor is one door on a MockDevice.
type MockDoor struct {
	Number     int
	Name       string
	Status     string
	LinkStatus string
}

// MockCloudServer simulates the Aladdin Connect cloud.
type MockCloudServer struct {
	server   *httptest.Server
	username string
	password string
	token    string

	devices   []MockDevice
	devicesMu sync.RWMutex

	connections []*connWrapper
	connsMu     sync.Mutex

	commands []CommandCall
	callsMu  sync.Mutex

	// failDevices makes /devices answer 500 while set
	failDevices bool
	// transition is the status a door reports right after a command
	transition bool
}

// NewMockCloudServer starts a server that accepts username/password.
func NewMockCloudServer(username, password string) *MockCloudServer {
	s := &MockCloudServer{
		username:   username,
		password:   password,
		token:      "mock-access-token",
		transition: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/devices", s.authorized(s.handleDevices))
	mux.HandleFunc("/devices/", s.authorized(s.handleCommand))
	mux.HandleFunc("/updates", s.handleUpdates)

	s.server = httptest.NewServer(mux)
	return s
}

// URL is the REST base URL.
func (s *MockCloudServer) URL() string {
	return s.server.URL
}

// EventsURL is the websocket URL of the event caster.
func (s *MockCloudServer) EventsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/updates"
}

// Config returns an aladdin.Config pointed at this server.
func (s *MockCloudServer) Config(username, password string) aladdin.Config {
	return aladdin.Config{
		Username:   username,
		Password:   password,
		BaseURL:    s.URL(),
		EventsURL:  s.EventsURL(),
		HTTPClient: s.server.Client(),
	}
}

// Close stops the server and drops event connections.
func (s *MockCloudServer) Close() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// SetDevices replaces the account contents.
func (s *MockCloudServer) SetDevices(devices ...MockDevice) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	s.devices = devices
}

// SetFailDevices makes the device listing fail with a 500.
func (s *MockCloudServer) SetFailDevices(fail bool) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	s.failDevices = fail
}

// SetCommandTransition controls whether commands move doors to opening/closing.
func (s *MockCloudServer) SetCommandTransition(enabled bool) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	s.transition = enabled
}

// SetDoorStatus changes one door without emitting an event.
func (s *MockCloudServer) SetDoorStatus(deviceID int64, doorNumber int, status string) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	if door := s.findDoorLocked(deviceID, doorNumber); door != nil {
		door.Status = status
	}
}

// PushDoorStatus changes one door and broadcasts it on the event stream.
func (s *MockCloudServer) PushDoorStatus(deviceID int64, doorNumber int, status string) {
	s.devicesMu.Lock()
	serial := ""
	for _, d := range s.devices {
		if d.ID == deviceID {
			serial = d.Serial
		}
	}
	if door := s.findDoorLocked(deviceID, doorNumber); door != nil {
		door.Status = status
	}
	s.devicesMu.Unlock()

	s.broadcast(map[string]interface{}{
		"serial":      serial,
		"door":        doorNumber,
		"door_status": aladdin.CodeFromStatus(status),
		"fault":       0,
	})
}

// EventConnections returns the number of open event stream connections.
func (s *MockCloudServer) EventConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// GetCommands returns all door commands received.
func (s *MockCloudServer) GetCommands() []CommandCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	calls := make([]CommandCall, len(s.commands))
	copy(calls, s.commands)
	return calls
}

func (s *MockCloudServer) findDoorLocked(deviceID int64, doorNumber int) *MockDoor {
	for i := range s.devices {
		if s.devices[i].ID != deviceID {
			continue
		}
		for j := range s.devices[i].Doors {
			if s.devices[i].Doors[j].Number == doorNumber {
				return &s.devices[i].Doors[j]
			}
		}
	}
	return nil
}

func (s *MockCloudServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	password, _ := base64.StdEncoding.DecodeString(r.PostForm.Get("password"))
	if r.PostForm.Get("grant_type") != "password" ||
		r.PostForm.Get("username") != s.username ||
		string(password) != s.password {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "bad credentials",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": s.token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *MockCloudServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *MockCloudServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()

	if s.failDevices {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	devices := make([]map[string]interface{}, 0, len(s.devices))
	for _, d := range s.devices {
		doors := make([]map[string]interface{}, 0, len(d.Doors))
		for _, door := range d.Doors {
			doors = append(doors, map[string]interface{}{
				"door_index":  door.Number,
				"name":        door.Name,
				"status":      aladdin.CodeFromStatus(door.Status),
				"link_status": aladdin.CodeFromLink(door.LinkStatus),
			})
		}
		devices = append(devices, map[string]interface{}{
			"id":            d.ID,
			"serial_number": d.Serial,
			"name":          d.Name,
			"doors":         doors,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"devices": devices})
}

// handleCommand serves PUT /devices/{id}/door/{n}/command
func (s *MockCloudServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPut || len(parts) != 5 || parts[2] != "door" || parts[4] != "command" {
		http.NotFound(w, r)
		return
	}

	deviceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		http.Error(w, "bad device id", http.StatusBadRequest)
		return
	}
	doorNumber, err := strconv.Atoi(parts[3])
	if err != nil {
		http.Error(w, "bad door number", http.StatusBadRequest)
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.devicesMu.Lock()
	door := s.findDoorLocked(deviceID, doorNumber)
	if door == nil {
		s.devicesMu.Unlock()
		http.Error(w, fmt.Sprintf("no door %d on device %d", doorNumber, deviceID), http.StatusNotFound)
		return
	}
	if s.transition {
		switch req.Command {
		case aladdin.CommandOpen:
			door.Status = aladdin.StatusOpening
		case aladdin.CommandClose:
			door.Status = aladdin.StatusClosing
		}
	}
	s.devicesMu.Unlock()

	s.callsMu.Lock()
	s.commands = append(s.commands, CommandCall{
		Timestamp:  time.Now(),
		DeviceID:   deviceID,
		DoorNumber: doorNumber,
		Command:    req.Command,
	})
	s.callsMu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// handleUpdates upgrades to the event stream and holds it until the client leaves.
func (s *MockCloudServer) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wrapper := &connWrapper{conn: conn}
	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *MockCloudServer) broadcast(frame interface{}) {
	s.connsMu.Lock()
	conns := append([]*connWrapper(nil), s.connections...)
	s.connsMu.Unlock()

	for _, wrapper := range conns {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(frame)
		wrapper.writeMu.Unlock()
	}
}
