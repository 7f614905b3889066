package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func receive(t *testing.T, s *Subscriber) Message {
	t.Helper()
	select {
	case msg := <-s.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("Did not receive broadcast message")
	}
	return Message{}
}

// TestBroadcast tests message fan-out to every subscriber
func TestBroadcast(t *testing.T) {
	h := NewHub()
	defer h.Close()

	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = h.Subscribe("127.0.0.1:1234", nil)
	}

	h.Broadcast(Message{Type: "update", Msg: "to all"})

	for i, s := range subs {
		msg := receive(t, s)
		if msg.Type != "update" || msg.Msg != "to all" {
			t.Errorf("Client %d received %+v", i, msg)
		}
	}
	if st := h.Stats(); st.Clients != 3 || st.Sent != 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestTopicFilter verifies subscribers only see matching event names
func TestTopicFilter(t *testing.T) {
	h := NewHub()
	defer h.Close()

	job := h.Subscribe("a", []string{"stdout-job1"})
	all := h.Subscribe("b", nil)

	h.Broadcast(Message{Type: "stdout-job2", Msg: "other"})
	h.Broadcast(Message{Type: "stdout-job1", Msg: "frame 3/90"})

	if msg := receive(t, job); msg.Msg != "frame 3/90" {
		t.Errorf("filtered client received %+v", msg)
	}
	if msg := receive(t, all); msg.Msg != "other" {
		t.Errorf("unfiltered client received %+v first", msg)
	}
}

// TestSubscribeLimit verifies clients beyond the cap are rejected
func TestSubscribeLimit(t *testing.T) {
	h := NewHub()
	defer h.Close()

	for i := 0; i < MaxClients; i++ {
		if h.Subscribe("c", nil) == nil {
			t.Fatalf("Subscribe %d rejected under the limit", i)
		}
	}
	if h.Subscribe("c", nil) != nil {
		t.Fatal("Subscribe accepted past the limit")
	}
	if h.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d", h.Stats().Rejected)
	}
}

// TestUnsubscribeTwice ensures a second unsubscribe is a no-op
func TestUnsubscribeTwice(t *testing.T) {
	h := NewHub()
	defer h.Close()

	s := h.Subscribe("c", nil)
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	if _, ok := <-s.C; ok {
		t.Error("channel not closed")
	}
}

// TestFormatSSE tests SSE response formatting
func TestFormatSSE(t *testing.T) {
	tests := []struct {
		msg      Message
		expected string
	}{
		{Message{Type: "update", Msg: "test"}, "event: update\ndata: test\n\n"},
		{Message{Type: "create", Msg: `{"id":"123"}`}, "event: create\ndata: {\"id\":\"123\"}\n\n"},
		{Message{Type: "", Msg: "empty type"}, "event: \ndata: empty type\n\n"},
	}

	for _, tt := range tests {
		if got := formatSSE(tt.msg); got != tt.expected {
			t.Errorf("formatSSE(%+v) = %q; want %q", tt.msg, got, tt.expected)
		}
	}
}

// TestHandler streams one event over a real connection
func TestHandler(t *testing.T) {
	h := NewHub()
	defer h.Close()

	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topic=update", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, _ := r.ReadString('\n')
	if line != "event: connected\n" {
		t.Fatalf("first line = %q", line)
	}
	r.ReadString('\n')
	r.ReadString('\n')

	h.Broadcast(Message{Type: "delete", Msg: "skipped"})
	h.Broadcast(Message{Type: "update", Msg: "hello"})

	line, _ = r.ReadString('\n')
	data, _ := r.ReadString('\n')
	if line != "event: update\n" || strings.TrimSpace(data) != "data: hello" {
		t.Errorf("event = %q %q", line, data)
	}
}

// TestCloseDisconnects ensures Close ends subscriber channels
func TestCloseDisconnects(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("c", nil)
	h.Close()
	h.Close()

	if _, ok := <-s.C; ok {
		t.Error("subscriber channel still open after Close")
	}
	h.Broadcast(Message{Type: "late"})
}
