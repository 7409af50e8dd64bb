package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// Subscription matching tests
// ---------------------------------------------------------------------------

func TestSubscription_EmptyMatchesEverything(t *testing.T) {
	sub := Subscription{}
	if !sub.matches(&StatusUpdate{TransactionID: "txn_1", UserID: "u1", Status: "PROCESSING"}) {
		t.Error("empty subscription should match all updates")
	}
}

func TestSubscription_UserFilter(t *testing.T) {
	sub := Subscription{UserIDs: []string{"u1"}}

	if !sub.matches(&StatusUpdate{UserID: "u1", Status: "COMPLETED"}) {
		t.Error("should match own user's updates")
	}
	if sub.matches(&StatusUpdate{UserID: "u2", Status: "COMPLETED"}) {
		t.Error("should NOT match another user's updates")
	}
}

func TestSubscription_TransactionFilter(t *testing.T) {
	sub := Subscription{TransactionIDs: []string{"txn_a"}}

	if !sub.matches(&StatusUpdate{TransactionID: "txn_a", UserID: "u1"}) {
		t.Error("should match watched transaction")
	}
	if sub.matches(&StatusUpdate{TransactionID: "txn_b", UserID: "u1"}) {
		t.Error("should NOT match unwatched transaction")
	}
}

func TestSubscription_StatusFilter(t *testing.T) {
	sub := Subscription{
		UserIDs:  []string{"u1"},
		Statuses: []string{"COMPLETED", "FAILED"},
	}

	if !sub.matches(&StatusUpdate{UserID: "u1", Status: "FAILED"}) {
		t.Error("should match terminal status")
	}
	if sub.matches(&StatusUpdate{UserID: "u1", Status: "PROCESSING"}) {
		t.Error("should NOT match intermediate status")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalUpdates"].(int64) != 0 {
		t.Errorf("Expected 0 total updates, got %v", stats["totalUpdates"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(&StatusUpdate{TransactionID: "txn_1", UserID: "u1", Status: "PROCESSING", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalUpdates"].(int64) != 1 {
		t.Errorf("Expected 1 total update, got %v", stats["totalUpdates"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{UserIDs: []string{"u1"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(&StatusUpdate{
		TransactionID: "txn_1",
		UserID:        "u1",
		Status:        "COMPLETED",
		Amount:        "5.00",
		Timestamp:     time.Now(),
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for status update")
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only watches u1
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{UserIDs: []string{"u1"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Another user's update should be filtered out
	h.Publish(&StatusUpdate{TransactionID: "txn_x", UserID: "u2", Status: "PROCESSING", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive another user's update")
	default:
		// Good - filtered out
	}

	h.Publish(&StatusUpdate{TransactionID: "txn_y", UserID: "u1", Status: "PROCESSING", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive own update")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
