package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/recordsync/internal/models"
)

// collect reads n messages from ch, failing after a second.
func collect(t *testing.T, ch <-chan []byte, n int) []string {
	t.Helper()
	timeout := time.After(time.Second)
	var got []string
	for len(got) < n {
		select {
		case msg := <-ch:
			got = append(got, string(msg))
		case <-timeout:
			t.Fatalf("timeout after %d of %d messages: %q", len(got), n, got)
		}
	}
	return got
}

func eventName(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			return name
		}
	}
	return ""
}

func TestClientCount(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()

	a, c := b.Subscribe(), b.Subscribe("Survivor")
	if n := b.ClientCount(); n != 2 {
		t.Fatalf("clients = %d, want 2", n)
	}
	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if n := b.ClientCount(); n != 1 {
		t.Fatalf("clients = %d after unsubscribe, want 1", n)
	}
	b.Unsubscribe(c)
	if n := b.ClientCount(); n != 0 {
		t.Fatalf("clients = %d, want 0", n)
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventEntityCreated, Data: map[string]string{"type": "Survivor"}})

	msg := collect(t, ch, 1)[0]
	if eventName(msg) != EventEntityCreated {
		t.Errorf("event = %q, want %s", msg, EventEntityCreated)
	}
	if !strings.Contains(msg, `data: {"type":"Survivor"}`) {
		t.Errorf("data missing from %q", msg)
	}
}

func TestStoreUpdatedIsThrottled(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishEntityEvent("created", "Survivor", 1)
	b.PublishEntityEvent("updated", "Survivor", 1)
	b.PublishEntityEvent("deleted", "Survivor", 1)
	b.PublishEntityEvent("renamed", "Survivor", 1)

	var names []string
	for _, msg := range collect(t, ch, 4) {
		names = append(names, eventName(msg))
	}
	want := []string{EventEntityCreated, EventStoreUpdated, EventEntityUpdated, EventEntityDeleted}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", names, want)
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected extra message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.ServeHTTP(w, req)
	}()

	waitFor(t, func() bool { return b.ClientCount() == 1 })
	b.PublishSync(models.SyncResult{Type: "Survivor", Direction: "push", Records: 3})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: sync.pushed") || !strings.Contains(body, `"records":3`) {
		t.Errorf("handler output missing event: %q", body)
	}
	waitFor(t, func() bool { return b.ClientCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within a second")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSlowClientDoesNotBlockPublish(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := range clientBuffer + 10 {
		b.Publish(Event{Type: "tick", Data: i})
	}
	// The loop is still responsive once the buffer is full.
	if n := b.ClientCount(); n != 1 {
		t.Errorf("clients = %d, want 1", n)
	}
	waitFor(t, func() bool { return len(ch) == clientBuffer })
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: EventEntityUpdated, Data: map[string]string{}})
	b.PublishEntityEvent("updated", "Survivor", 1)
	b.PublishSync(models.SyncResult{Type: "Survivor", Direction: "pull"})
}

func TestPublishSyncEventTypes(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	results := []models.SyncResult{
		{Type: "Survivor", Direction: "push"},
		{Type: "Survivor", Direction: "pull"},
		{Type: "Survivor", Direction: "push", Error: "remote: 1 record(s) changed on server"},
	}
	want := []string{EventSyncPushed, EventSyncPulled, EventSyncFailed}
	for i, res := range results {
		b.PublishSync(res)
		select {
		case msg := <-ch:
			if !strings.Contains(string(msg), "\nevent: "+want[i]+"\n") {
				t.Errorf("event %d = %q, want %s", i, msg, want[i])
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want[i])
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	survivors := b.Subscribe("Survivor")
	defer b.Unsubscribe(survivors)

	b.PublishEntityEvent("created", "Disorder", 1)
	b.PublishEntityEvent("created", "Survivor", 2)

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-survivors:
			got = append(got, string(msg))
		case <-timeout:
			t.Fatalf("timeout, got %q", got)
		}
	}
	// The store.updated of the first event reaches everyone; the Disorder
	// event itself does not.
	if !strings.Contains(got[0], "event: "+EventStoreUpdated) {
		t.Errorf("first message = %q, want store.updated", got[0])
	}
	if !strings.Contains(got[1], `"type":"Survivor"`) {
		t.Errorf("second message = %q, want the Survivor event", got[1])
	}
}

func TestEventIDsIncrease(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "a", Data: 1})
	b.Publish(Event{Type: "b", Data: 2})
	for _, want := range []string{"id: 1\n", "id: 2\n"} {
		select {
		case msg := <-ch:
			if !strings.HasPrefix(string(msg), want) {
				t.Errorf("message = %q, want prefix %q", msg, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestPullWithChangesTouchesStore(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishSync(models.SyncResult{Type: "Survivor", Direction: "pull", Records: 2, Confirmed: 2})
	var got []string
	for len(got) < 2 {
		select {
		case msg := <-ch:
			got = append(got, string(msg))
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %q", got)
		}
	}
	if !strings.Contains(got[1], "event: "+EventStoreUpdated) {
		t.Errorf("messages = %q, want store.updated after the pull", got)
	}
}

func TestSSEHandlerHeartbeatAndFilter(t *testing.T) {
	b := NewBroker(time.Hour, WithHeartbeat(20*time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events?types=Disorder,%20Survivor", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	b.PublishSync(models.SyncResult{Type: "Attributes", Direction: "push"})
	b.PublishSync(models.SyncResult{Type: "Survivor", Direction: "push"})
	<-done

	body := w.Body.String()
	if !strings.Contains(body, ": ping\n\n") {
		t.Errorf("no heartbeat in %q", body)
	}
	if strings.Contains(body, `"type":"Attributes"`) {
		t.Errorf("filtered event leaked into %q", body)
	}
	if !strings.Contains(body, `"type":"Survivor"`) {
		t.Errorf("Survivor event missing from %q", body)
	}
}
