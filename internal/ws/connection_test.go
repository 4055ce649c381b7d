package ws

import "testing"

// bareConnection builds a Connection with a small queue and no writer
// goroutine, so enqueued frames stay put and overflow behavior is
// observable.
func bareConnection(queueSize int) *Connection {
	return &Connection{
		ID:     "conn-test",
		UserID: "user-test",
		out:    make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	c := bareConnection(2)

	if !c.Enqueue([]byte("one")) || !c.Enqueue([]byte("two")) {
		t.Fatal("enqueue within capacity must succeed")
	}
	if c.Enqueue([]byte("three")) {
		t.Fatal("enqueue past capacity must fail, not block")
	}
	if got := c.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped frame, got %d", got)
	}

	// The queued frames are untouched and in order.
	if got := string(<-c.out); got != "one" {
		t.Errorf("expected first frame %q, got %q", "one", got)
	}
	if got := string(<-c.out); got != "two" {
		t.Errorf("expected second frame %q, got %q", "two", got)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	c := bareConnection(2)
	close(c.done)

	if c.Enqueue([]byte("late")) {
		t.Fatal("enqueue on a closed connection must fail")
	}
	// Closed-connection drops are not counted as queue overflow.
	if got := c.Dropped(); got != 0 {
		t.Errorf("expected 0 dropped frames, got %d", got)
	}
}
