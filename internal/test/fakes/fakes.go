// Package fakes provides in-memory test doubles for the relay's
// dependencies. These are used in local run mode and in tests.
package fakes

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/pkg/signal"
)

// --- Wake notifier ---

// WakeNotifier records wake requests instead of publishing them.
type WakeNotifier struct {
	mu     sync.Mutex
	woken  []relay.DeviceID
	logger zerolog.Logger
}

func NewWakeNotifier(logger zerolog.Logger) *WakeNotifier {
	return &WakeNotifier{logger: logger.With().Str("component", "FakeWakeNotifier").Logger()}
}

func (w *WakeNotifier) Wake(_ context.Context, device, from relay.DeviceID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken = append(w.woken, device)
	w.logger.Info().Str("device", device.String()).Str("from", from.String()).Msg("[FAKE] Wake requested.")
	return nil
}

// Woken returns the devices wake requests were recorded for.
func (w *WakeNotifier) Woken() []relay.DeviceID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]relay.DeviceID, len(w.woken))
	copy(out, w.woken)
	return out
}

// --- Connection ---

// Conn is an in-memory relay.Conn that records every frame sent to it.
type Conn struct {
	ConnID string
	Addr   string

	mu      sync.Mutex
	sent    []*signal.Envelope
	closed  bool
	sendErr error
}

func NewConn(id, addr string) *Conn {
	return &Conn{ConnID: id, Addr: addr}
}

func (c *Conn) ID() string         { return c.ConnID }
func (c *Conn) RemoteAddr() string { return c.Addr }

func (c *Conn) Send(env *signal.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every subsequent Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of the frames delivered to this connection, in order.
func (c *Conn) Sent() []*signal.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*signal.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// LastSent returns the most recent frame, or nil.
func (c *Conn) LastSent() *signal.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
