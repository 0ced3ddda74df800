package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/manpreetbhatti/whiteboard/backend/internal/db"
	"github.com/manpreetbhatti/whiteboard/backend/internal/passcode"
	"github.com/manpreetbhatti/whiteboard/backend/internal/ratelimit"
	"github.com/manpreetbhatti/whiteboard/backend/internal/room"
	"github.com/manpreetbhatti/whiteboard/backend/internal/ws"
)

type testServer struct {
	api      *API
	router   http.Handler
	database *db.Database
}

func setupTestAPI(t *testing.T, cfg RouterConfig, opts ...ws.Option) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(database, passcode.NewBcrypt(bcrypt.MinCost), room.NewRegistry(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	api := New(hub, database)

	t.Cleanup(func() {
		cancel()
		hub.Shutdown(context.Background())
		database.Close()
	})

	return &testServer{api: api, router: NewRouter(api, cfg), database: database}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func (s *testServer) createRoom(t *testing.T, pass string) string {
	t.Helper()
	w := s.do("POST", "/new", PasscodeRequest{Passcode: pass})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	roomID, _ := decode(t, w)["roomId"].(string)
	if roomID == "" {
		t.Fatal("Response should contain 'roomId'")
	}
	return roomID
}

func TestHealthHandler(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})

	w := s.do("GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if status := decode(t, w)["status"]; status != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", status)
	}
}

func TestHealthHandlerStoreDown(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	s.database.Close()

	w := s.do("GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	s.createRoom(t, "pw")

	w := s.do("GET", "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	for _, key := range []string{"active_rooms", "active_clients", "total_rooms", "total_items"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["total_rooms"] != float64(1) {
		t.Errorf("Expected total_rooms 1, got %v", response["total_rooms"])
	}
}

func TestCreateRoom(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})

	roomID := s.createRoom(t, "abc123")
	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(roomID) {
		t.Errorf("Unexpected room id format %q", roomID)
	}

	stored, err := s.database.FindRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Room was not stored: %v", err)
	}
	if stored.PasscodeHash == "abc123" {
		t.Error("Passcode must not be stored in plaintext")
	}
}

func TestCreateRoomValidation(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"missing passcode", `{}`, http.StatusBadRequest, "Passcode is required"},
		{"empty passcode", `{"passcode":""}`, http.StatusBadRequest, "Passcode is required"},
		{"invalid json", `{bad`, http.StatusBadRequest, "Invalid request body"},
		{"body too large", `{"passcode":"` + strings.Repeat("x", 9000) + `"}`, http.StatusBadRequest, "Invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/new", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if msg := decode(t, w)["error"]; msg != tt.errMsg {
				t.Errorf("Expected error %q, got %q", tt.errMsg, msg)
			}
		})
	}
}

func TestCreateRoomCollision(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{}, ws.WithIDGenerator(func() (string, error) {
		return "deadbeef", nil
	}))

	s.createRoom(t, "first")

	w := s.do("POST", "/new", PasscodeRequest{Passcode: "second"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if msg := decode(t, w)["error"]; msg != "Room ID already exists, please try again" {
		t.Errorf("Unexpected error %q", msg)
	}
}

func TestJoinRoom(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	roomID := s.createRoom(t, "abc123")

	tests := []struct {
		name   string
		path   string
		pass   string
		status int
	}{
		{"valid passcode", "/join/" + roomID, "abc123", http.StatusOK},
		{"wrong passcode", "/join/" + roomID, "wrong", http.StatusUnauthorized},
		{"unknown room", "/join/ffffffff", "abc123", http.StatusNotFound},
		{"missing passcode", "/join/" + roomID, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("POST", tt.path, PasscodeRequest{Passcode: tt.pass})
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	w := s.do("POST", "/join/"+roomID, PasscodeRequest{Passcode: "abc123"})
	if success := decode(t, w)["success"]; success != true {
		t.Errorf("Expected success true, got %v", success)
	}
}

func TestCreateAndJoinLongPasscode(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	pass := strings.Repeat("p", 100)
	roomID := s.createRoom(t, pass)

	w := s.do("POST", "/join/"+roomID, PasscodeRequest{Passcode: pass})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestJoinRoomStoreError(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	roomID := s.createRoom(t, "pw")
	s.database.Close()

	w := s.do("POST", "/join/"+roomID, PasscodeRequest{Passcode: "pw"})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if msg := decode(t, w)["error"]; msg != "Failed to join whiteboard" {
		t.Errorf("Unexpected error %q", msg)
	}
}

func TestNewRoomRedirect(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	pattern := regexp.MustCompile(`^/[0-9a-f]{8}$`)

	for _, path := range []string{"/", "/new"} {
		w := s.do("GET", path, nil)
		if w.Code != http.StatusFound {
			t.Errorf("%s: expected status 302, got %d", path, w.Code)
		}
		if loc := w.Header().Get("Location"); !pattern.MatchString(loc) {
			t.Errorf("%s: unexpected redirect %q", path, loc)
		}
	}
}

func TestRoomPage(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})

	w := s.do("GET", "/abc123", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected HTML, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "join-room") {
		t.Error("Shell should open the live channel")
	}

	w = s.do("GET", "/"+strings.Repeat("a", 65), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for invalid room id, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiters := ratelimit.NewClientLimiters(0, 2)
	defer limiters.Stop()
	s := setupTestAPI(t, RouterConfig{Limiters: limiters})

	for i := 0; i < 2; i++ {
		if w := s.do("POST", "/join/ffffffff", PasscodeRequest{Passcode: "x"}); w.Code != http.StatusNotFound {
			t.Fatalf("Request %d: expected status 404, got %d", i, w.Code)
		}
	}

	w := s.do("POST", "/new", PasscodeRequest{Passcode: "x"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}

	// Pages are not throttled.
	if w := s.do("GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestAPI(t, RouterConfig{})
	s.do("GET", "/health", nil)

	w := s.do("GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "whiteboard_http_requests_total") {
		t.Error("Expected request counter in metrics output")
	}
}
