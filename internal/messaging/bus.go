// internal/messaging/bus.go
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

var (
	// ErrNoReceiver is returned when nothing is registered at the destination
	// address, e.g. a page context that has not finished loading.
	ErrNoReceiver = errors.New("no receiver registered for address")
	// ErrShutdown is returned once the bus has been shut down.
	ErrShutdown = errors.New("message bus is shut down")
)

// Bus routes envelopes between execution contexts. Each context owns one
// mailbox keyed by address and drains it on a single goroutine. Sends block
// while the mailbox is full.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu        sync.RWMutex
	mailboxes map[string]chan protocol.Envelope

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope

	activeSendsWg sync.WaitGroup
	isShutdown    bool
	shutdownMu    sync.Mutex
}

// NewBus initializes the Bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		logger:     logger.Named("bus"),
		bufferSize: bufferSize,
		mailboxes:  make(map[string]chan protocol.Envelope),
		pending:    make(map[string]chan protocol.Envelope),
	}
}

// Register creates the mailbox for addr and returns it with a release func.
// Registering an address that is already taken replaces the old mailbox, which
// is closed; a reloaded page context takes over its predecessor's address.
func (b *Bus) Register(addr string) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, b.bufferSize)

	b.mu.Lock()
	if old, ok := b.mailboxes[addr]; ok {
		close(old)
		b.logger.Debug("Replaced existing mailbox.", zap.String("addr", addr))
	}
	b.mailboxes[addr] = ch
	b.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// Only close our own mailbox; a newer registration may have replaced it.
			if cur, ok := b.mailboxes[addr]; ok && cur == ch {
				delete(b.mailboxes, addr)
				close(ch)
			}
		})
	}
	return ch, release
}

// Has reports whether something is registered at addr.
func (b *Bus) Has(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.mailboxes[addr]
	return ok
}

// Send delivers env to the mailbox at env.To. A reply to an outstanding
// Request goes to the waiting caller instead.
func (b *Bus) Send(ctx context.Context, env protocol.Envelope) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrShutdown
	}
	b.activeSendsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activeSendsWg.Done()

	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if env.ReplyTo != "" && b.deliverReply(env) {
		return nil
	}

	b.mu.RLock()
	ch, ok := b.mailboxes[env.To]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, env.To)
	}

	// The mailbox can be closed between the lookup and the send when its owner
	// goes away; treat that like a missing receiver.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Recovered from send on released mailbox.", zap.String("addr", env.To), zap.Any("panic", r))
			err = fmt.Errorf("%w: %s", ErrNoReceiver, env.To)
		}
	}()

	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) deliverReply(env protocol.Envelope) bool {
	b.pendingMu.Lock()
	waiter, ok := b.pending[env.ReplyTo]
	if ok {
		delete(b.pending, env.ReplyTo)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	waiter <- env // buffered with capacity 1, never blocks
	return true
}

// Request sends env and waits for the envelope whose ReplyTo is env.ID.
func (b *Bus) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	waiter := make(chan protocol.Envelope, 1)
	b.pendingMu.Lock()
	b.pending[env.ID] = waiter
	b.pendingMu.Unlock()

	cleanup := func() {
		b.pendingMu.Lock()
		delete(b.pending, env.ID)
		b.pendingMu.Unlock()
	}

	if err := b.Send(ctx, env); err != nil {
		cleanup()
		return protocol.Envelope{}, err
	}

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return protocol.Envelope{}, ctx.Err()
	}
}

// Shutdown closes every mailbox and rejects further sends.
func (b *Bus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	for addr, ch := range b.mailboxes {
		close(ch)
		delete(b.mailboxes, addr)
	}
	b.mu.Unlock()

	// In-flight sends unblock on the closed channels.
	b.activeSendsWg.Wait()
}
