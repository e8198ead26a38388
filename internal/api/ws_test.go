package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/depthscan/internal/scan"
)

func dialHub(t *testing.T, hub *StatsHub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestStatsHubBroadcast(t *testing.T) {
	hub := NewStatsHub()
	defer hub.Close()

	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	// Registration races the dial; wait for the hub to see the client.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(scan.LiveStats{
		SessionID:  "s1",
		State:      scan.StateScanning,
		PointCount: 42,
		UpdatedAt:  time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got statsAPI
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SessionID != "s1" || got.State != "scanning" || got.PointCount != 42 {
		t.Errorf("got %+v, want session s1 scanning with 42 points", got)
	}
}

func TestStatsHubDropsSlowClient(t *testing.T) {
	hub := NewStatsHub()
	defer hub.Close()

	_, cleanup := dialHub(t, hub)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Saturate the send buffer without reading; the client must be dropped
	// rather than stall the broadcaster.
	for i := 0; i < wsSendBuffer*4; i++ {
		hub.Broadcast(scan.LiveStats{State: scan.StateScanning})
	}

	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was never dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatsHubClose(t *testing.T) {
	hub := NewStatsHub()
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Error("Close should disconnect all clients")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
