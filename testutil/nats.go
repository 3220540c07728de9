package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// PoseBus stands in for the NATS client behind the pose bus sink. It records every
// payload per subject and can be closed to make publishes fail like a dropped connection.
type PoseBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	closed   bool
}

// NewPoseBus creates an empty bus recorder.
func NewPoseBus() *PoseBus {
	return &PoseBus{messages: make(map[string][][]byte)}
}

// Publish records data on subject. It fails once the bus is closed or ctx is done.
func (b *PoseBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("nats: connection closed")
	}
	b.messages[subject] = append(b.messages[subject], append([]byte(nil), data...))
	return nil
}

// Close makes every later Publish fail.
func (b *PoseBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Messages returns a copy of the payloads recorded on subject, oldest first.
func (b *PoseBus) Messages(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.messages[subject]...)
}

// Count returns the number of payloads recorded on subject.
func (b *PoseBus) Count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[subject])
}

// Clear forgets what was recorded on subject.
func (b *PoseBus) Clear(subject string) {
	b.mu.Lock()
	delete(b.messages, subject)
	b.mu.Unlock()
}

// WaitForMessage waits for a payload on subject and returns the latest one.
func WaitForMessage(t *testing.T, bus *PoseBus, subject string, timeout time.Duration) []byte {
	t.Helper()
	msgs := WaitForMessageCount(t, bus, subject, 1, timeout)
	return msgs[len(msgs)-1]
}

// WaitForMessageCount waits until at least count payloads are on subject and returns them.
func WaitForMessageCount(t *testing.T, bus *PoseBus, subject string, count int, timeout time.Duration) [][]byte {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if msgs := bus.Messages(subject); len(msgs) >= count {
			return msgs
		}
		select {
		case <-deadline.C:
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, bus.Count(subject))
			return nil
		case <-ticker.C:
		}
	}
}

// AssertNoMessages fails if anything arrives on subject during window.
func AssertNoMessages(t *testing.T, bus *PoseBus, subject string, window time.Duration) {
	t.Helper()

	time.Sleep(window)
	if n := bus.Count(subject); n > 0 {
		t.Fatalf("expected no messages on subject %s, got %d", subject, n)
	}
}

// DecodeFrames unmarshals every payload on subject into out's element type.
func DecodeFrames[T any](t *testing.T, bus *PoseBus, subject string) []T {
	t.Helper()

	msgs := bus.Messages(subject)
	out := make([]T, 0, len(msgs))
	for i, data := range msgs {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("message %d on %s is not valid JSON: %v", i, subject, err)
		}
		out = append(out, v)
	}
	return out
}
