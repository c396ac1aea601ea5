package eventfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"matching-enginev1/internal/notification"
)

func execEvent(orderID string) notification.Event {
	return notification.Event{
		Type:     notification.EventExecuted,
		OrderID:  orderID,
		Username: "alice",
		Payload:  map[string]string{"execution_price": "106"},
	}
}

func TestBroadcastSequencesAndBuffers(t *testing.T) {
	h := NewHub()
	for i := 0; i < 3; i++ {
		h.Broadcast(execEvent(fmt.Sprintf("o%d", i)))
	}

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent = %d events, want 3", len(recent))
	}
	for i, env := range recent {
		if env.Seq != int64(i+1) {
			t.Errorf("recent[%d].Seq = %d, want %d", i, env.Seq, i+1)
		}
		if _, err := time.Parse(time.RFC3339Nano, env.TS); err != nil {
			t.Errorf("recent[%d].TS not RFC3339Nano: %v", i, err)
		}
	}
	if recent[2].OrderID != "o2" {
		t.Errorf("newest event = %q, want o2", recent[2].OrderID)
	}
}

func TestBroadcastRingEvictsOldest(t *testing.T) {
	h := NewHub()
	for i := 0; i < recentBufferSize+5; i++ {
		h.Broadcast(execEvent(fmt.Sprintf("o%d", i)))
	}

	recent := h.Recent()
	if len(recent) != recentBufferSize {
		t.Fatalf("recent = %d events, want %d", len(recent), recentBufferSize)
	}
	if recent[0].OrderID != "o5" {
		t.Errorf("oldest retained = %q, want o5", recent[0].OrderID)
	}
	if recent[len(recent)-1].Seq != int64(recentBufferSize+5) {
		t.Errorf("newest seq = %d, want %d", recent[len(recent)-1].Seq, recentBufferSize+5)
	}
}

func dialFeed(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelopes reads one frame and splits the newline-coalesced envelopes.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []Envelope
	for _, line := range strings.Split(string(msg), "\n") {
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("bad envelope %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

func TestClientReceivesLiveEvent(t *testing.T) {
	h := NewHub()
	conn := dialFeed(t, h)

	// Wait for the register before broadcasting.
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.Send(context.Background(), execEvent("o1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	envs := readEnvelopes(t, conn)
	if len(envs) != 1 || envs[0].OrderID != "o1" || envs[0].Type != "ORDER_EXECUTED" {
		t.Fatalf("envelopes = %+v", envs)
	}
	if envs[0].Replay {
		t.Error("live event marked as replay")
	}
}

func TestNewClientGetsReplay(t *testing.T) {
	h := NewHub()
	h.Broadcast(execEvent("missed-1"))
	h.Broadcast(execEvent("missed-2"))

	conn := dialFeed(t, h)
	var got []Envelope
	for len(got) < 2 {
		got = append(got, readEnvelopes(t, conn)...)
	}
	if got[0].OrderID != "missed-1" || got[1].OrderID != "missed-2" {
		t.Fatalf("replay order = %q, %q", got[0].OrderID, got[1].OrderID)
	}
	for _, env := range got {
		if !env.Replay {
			t.Errorf("replayed event %q missing replay flag", env.OrderID)
		}
	}
}

func TestReplayPrecedesLiveWithoutDuplicates(t *testing.T) {
	h := NewHub()
	h.Broadcast(execEvent("backlog-1"))
	h.Broadcast(execEvent("backlog-2"))

	conn := dialFeed(t, h)
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Broadcast(execEvent("live"))

	var got []Envelope
	for len(got) < 3 {
		got = append(got, readEnvelopes(t, conn)...)
	}

	seen := make(map[int64]bool)
	for i, env := range got {
		if seen[env.Seq] {
			t.Fatalf("seq %d delivered twice", env.Seq)
		}
		seen[env.Seq] = true
		if env.Seq != int64(i+1) {
			t.Fatalf("delivery order broken: got seq %d at position %d", env.Seq, i)
		}
	}
	if !got[0].Replay || !got[1].Replay {
		t.Error("backlog events must carry the replay flag")
	}
	if got[2].Replay || got[2].OrderID != "live" {
		t.Errorf("live event = %+v, want unflagged 'live'", got[2])
	}
}
