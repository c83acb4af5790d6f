package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/circleapp/circle/core/internal/friends"
	"github.com/circleapp/circle/core/internal/realtime"
)

func initForTest(t *testing.T) {
	t.Helper()
	initWithSocket(t, "ws://127.0.0.1:1/socket")
}

func initWithSocket(t *testing.T, socketURL string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "updates_enabled = false\n" +
		"api_base_url = \"http://127.0.0.1:1\"\n" +
		"socket_url = \"" + socketURL + "\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := initRuntime(path, filepath.Join(dir, "data")); err != nil {
		t.Fatalf("initRuntime returned error: %v", err)
	}
	t.Cleanup(shutdown)
}

func TestBridge_NotInitialized(t *testing.T) {
	if err := pushLocation(1, 2, 3); err == nil {
		t.Fatal("pushLocation should fail before init")
	}
	if _, err := status(); err == nil {
		t.Fatal("status should fail before init")
	}
}

func TestBridge_TrackingAndStatus(t *testing.T) {
	initForTest(t)

	if err := setPermissions("granted", "denied"); err != nil {
		t.Fatalf("setPermissions returned error: %v", err)
	}
	if err := pushLocation(48.8566, 2.3522, 12); err != nil {
		t.Fatalf("pushLocation returned error: %v", err)
	}
	mode, err := startTracking("tok")
	if err != nil {
		t.Fatalf("startTracking returned error: %v", err)
	}
	if mode != "foreground_only" {
		t.Fatalf("mode = %q", mode)
	}

	raw, err := status()
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	var st struct {
		Tracking bool   `json:"tracking"`
		Mode     string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		t.Fatalf("status JSON: %v", err)
	}
	if !st.Tracking || st.Mode != "foreground_only" {
		t.Fatalf("status = %s", raw)
	}

	if err := stopTracking(); err != nil {
		t.Fatalf("stopTracking returned error: %v", err)
	}
}

func TestBridge_Updates(t *testing.T) {
	initForTest(t)

	raw, err := checkForUpdates()
	if err != nil {
		t.Fatalf("checkForUpdates returned error: %v", err)
	}
	if !strings.Contains(raw, `"updateDownloaded":false`) {
		t.Fatalf("state = %s", raw)
	}
	ok, err := reloadToApplyUpdate()
	if err != nil || ok {
		t.Fatalf("reloadToApplyUpdate() = %v, %v, want false", ok, err)
	}
}

func TestBridge_FriendOpOffline(t *testing.T) {
	initForTest(t)

	raw, err := friendOp("send", "tok", "u2")
	if err != nil {
		t.Fatalf("friendOp returned error: %v", err)
	}
	var reply friendReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		t.Fatalf("reply JSON: %v", err)
	}
	if reply.OK || reply.Code != "SOCKET_NOT_CONNECTED" {
		t.Fatalf("reply = %s", raw)
	}
	if reply.Message == "" {
		t.Fatal("reply should carry a user message")
	}

	if _, err := friendOp("poke", "tok", "u2"); err == nil {
		t.Fatal("unknown operation should fail")
	}
}

// ===== Incoming friend requests =====

func TestBridge_WatchFriendRequestsOffline(t *testing.T) {
	if err := watchFriendRequests("tok"); err == nil {
		t.Fatal("watchFriendRequests should fail before init")
	}

	initForTest(t)
	if err := watchFriendRequests("tok"); err == nil {
		t.Fatal("watchFriendRequests should fail without a socket")
	}
	raw, err := pollFriendRequests()
	if err != nil {
		t.Fatalf("pollFriendRequests returned error: %v", err)
	}
	if raw != "[]" {
		t.Fatalf("poll = %s, want []", raw)
	}
}

func TestBridge_PollFriendRequests(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	initWithSocket(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	if err := watchFriendRequests("tok"); err != nil {
		t.Fatalf("watchFriendRequests returned error: %v", err)
	}

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("socket never connected")
	}
	frame, _ := json.Marshal(realtime.Envelope{
		Type:      "friend:request:received",
		Data:      json.RawMessage(`{"id":"fr1","senderId":"u9","senderName":"Ana"}`),
		Timestamp: time.Now().UnixMilli(),
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []friends.IncomingRequest
	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		raw, err := pollFriendRequests()
		if err != nil {
			t.Fatalf("pollFriendRequests returned error: %v", err)
		}
		if err := json.Unmarshal([]byte(raw), &got); err != nil {
			t.Fatalf("poll JSON: %v", err)
		}
		if len(got) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(got) != 1 || got[0].ID != "fr1" || got[0].SenderID != "u9" || got[0].SenderName != "Ana" {
		t.Fatalf("requests = %+v", got)
	}

	raw, _ := pollFriendRequests()
	if raw != "[]" {
		t.Fatalf("queue not cleared: %s", raw)
	}
}
