package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Send:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestHubPublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("logs")
	b := hub.Subscribe("logs")
	defer hub.Unsubscribe("logs", a)
	defer hub.Unsubscribe("logs", b)

	hub.Publish("logs", "request", map[string]string{"path": "/app"})

	for _, c := range []*Client{a, b} {
		ev := recvEvent(t, c)
		if ev.Channel != "logs" || ev.Type != "request" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		var payload map[string]string
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["path"] != "/app" {
			t.Fatalf("payload lost: %v", payload)
		}
	}
}

func TestHubChannelsAreIsolated(t *testing.T) {
	hub := NewHub()
	logs := hub.Subscribe("logs")
	reload := hub.Subscribe("reload")
	defer hub.Unsubscribe("logs", logs)
	defer hub.Unsubscribe("reload", reload)

	hub.Publish("reload", "change", map[string]string{"path": "x.cgi"})

	select {
	case ev := <-logs.Send:
		t.Fatalf("logs subscriber got event from another channel: %+v", ev)
	default:
	}
	recvEvent(t, reload)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	c := hub.Subscribe("logs")

	hub.Unsubscribe("logs", c)
	if _, open := <-c.Send; open {
		t.Fatalf("send channel should be closed after unsubscribe")
	}

	// A second unsubscribe must be a no-op, not a double close.
	hub.Unsubscribe("logs", c)
}

func TestHubSlowClientDropsEvents(t *testing.T) {
	hub := NewHub()
	c := hub.Subscribe("logs")
	defer hub.Unsubscribe("logs", c)

	// Fill the buffer and keep publishing; the hub must never block.
	for i := 0; i < cap(c.Send)+10; i++ {
		hub.Publish("logs", "request", i)
	}

	if got := len(c.Send); got != cap(c.Send) {
		t.Fatalf("expected a full buffer, got %d of %d", got, cap(c.Send))
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish("logs", "request", "nobody listening")
}
