package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/regime"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestHubStreamsRegimeAndEvents(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := dialHub(t, hub)

	if err := hub.PublishRegime(context.Background(), regime.Snapshot{Version: 4, Phase: regime.PhaseBearish}); err != nil {
		t.Fatalf("publish regime: %v", err)
	}
	if err := hub.Publish(context.Background(), events.New(events.KindKillSwitch, events.SeverityCritical, "test", "halt", nil)); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []streamMessage
	for len(got) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, msg)
	}
	if got[0].Type != "regime" || got[1].Type != "event" {
		t.Fatalf("types = %s, %s", got[0].Type, got[1].Type)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := dialHub(t, hub)

	hub.Close()
	if hub.Clients() != 0 {
		t.Fatalf("clients = %d", hub.Clients())
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close")
	}
}
