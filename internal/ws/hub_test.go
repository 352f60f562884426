package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type subscriberStub struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closed   bool
}

func (s *subscriberStub) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *subscriberStub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *subscriberStub) lastOnline(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		t.Fatalf("expected a broadcast")
	}
	var msg onlinePayload
	if err := json.Unmarshal(s.payloads[len(s.payloads)-1], &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.Event != OnlineEvent {
		t.Fatalf("unexpected event %q", msg.Event)
	}
	return msg.Online
}

func TestHubTracksOnlineAccounts(t *testing.T) {
	hub := NewHub(newLogger())
	alice := &subscriberStub{}
	bob := &subscriberStub{}

	hub.Register("alice", alice)
	hub.Register("bob", bob)

	if got := strings.Join(hub.Online(), ","); got != "alice,bob" {
		t.Fatalf("unexpected online list %q", got)
	}
	if got := strings.Join(alice.lastOnline(t), ","); got != "alice,bob" {
		t.Fatalf("alice saw %q", got)
	}

	hub.Unregister("bob", bob)
	if hub.IsOnline("bob") {
		t.Fatalf("bob should be offline")
	}
	if got := strings.Join(alice.lastOnline(t), ","); got != "alice" {
		t.Fatalf("alice saw %q after bob left", got)
	}
}

func TestHubMultipleConnectionsPerAccount(t *testing.T) {
	hub := NewHub(newLogger())
	tab1 := &subscriberStub{}
	tab2 := &subscriberStub{}
	hub.Register("alice", tab1)
	hub.Register("alice", tab2)

	hub.Unregister("alice", tab1)
	if !hub.IsOnline("alice") {
		t.Fatalf("alice should stay online while a connection remains")
	}
	hub.Unregister("alice", tab2)
	if hub.IsOnline("alice") {
		t.Fatalf("alice should be offline")
	}
	hub.Unregister("alice", tab2)
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub(newLogger())
	healthy := &subscriberStub{}
	broken := &subscriberStub{}
	hub.Register("alice", healthy)
	hub.Register("bob", broken)

	broken.mu.Lock()
	broken.sendErr = errors.New("gone")
	broken.mu.Unlock()

	hub.Register("carol", &subscriberStub{})

	if hub.IsOnline("bob") {
		t.Fatalf("failing subscriber should be removed")
	}
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Fatalf("failing subscriber should be closed")
	}
	if got := strings.Join(healthy.lastOnline(t), ","); got != "alice,carol" {
		t.Fatalf("healthy subscriber saw %q", got)
	}
}

func TestHubConcurrentAccess(t *testing.T) {
	hub := NewHub(newLogger())
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := &subscriberStub{}
			id := string(rune('a' + i%8))
			hub.Register(id, sub)
			_ = hub.Online()
			hub.Unregister(id, sub)
		}(i)
	}
	wg.Wait()
	if len(hub.Online()) != 0 {
		t.Fatalf("expected empty registry, got %v", hub.Online())
	}
}

func TestClientOverWebsocket(t *testing.T) {
	hub := NewHub(newLogger())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, newLogger())
		hub.Register("alice", client)
		go func() {
			defer hub.Unregister("alice", client)
			defer client.Close()
			client.ReadLoop()
		}()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg onlinePayload
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != OnlineEvent || len(msg.Online) != 1 || msg.Online[0] != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
