package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// DevTransport accepts every envelope without touching the network. Used
// when no SMTP endpoint is configured (local development) and as a capture
// point in tests.
type DevTransport struct {
	mu   sync.Mutex
	sent []Envelope
}

func NewDevTransport() *DevTransport {
	return &DevTransport{}
}

func (t *DevTransport) Send(_ context.Context, env Envelope) (*Result, error) {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	n := len(t.sent)
	t.mu.Unlock()

	id := uuid.New()
	log.Printf("[DevTransport] accepted message %d to=%s subject=%q", n, env.To, env.Subject)
	return &Result{
		MessageID:  fmt.Sprintf("<%s@dev.local>", id),
		PreviewURL: fmt.Sprintf("memory://dev/%s", id),
	}, nil
}

// Sent returns a copy of everything accepted so far.
func (t *DevTransport) Sent() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *DevTransport) Close() error { return nil }
