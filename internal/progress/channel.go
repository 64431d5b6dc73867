// internal/progress/channel.go
package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
)

var (
	// ErrSubscriberActive is returned when a second subscriber tries to attach.
	ErrSubscriberActive = errors.New("progress stream already has an active subscriber")
	// ErrSubscriptionClosed is returned by Next after the subscriber detached.
	ErrSubscriptionClosed = errors.New("progress subscription closed")
)

// EmitFunc is the handoff a pipeline stage uses to report progress.
type EmitFunc func(text string)

// Emitf adapts an EmitFunc to printf-style formatting.
func (e EmitFunc) Emitf(format string, args ...interface{}) {
	e(fmt.Sprintf(format, args...))
}

// Channel is a per-session, unbounded FIFO of progress messages bridging the
// blocking worker and at most one live subscriber.
//
// Messages emitted while nobody is attached wait in the queue. A message handed
// to a subscriber is gone; the next subscriber continues with whatever is still
// queued. Close ends the stream once the queue is drained.
type Channel struct {
	sessionID string
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	queue      []schemas.ProgressMessage
	seq        uint64
	closed     bool
	subscribed bool

	// notify carries a wake-up for the subscriber; capacity 1 so Emit never blocks.
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates the progress channel for one session.
func NewChannel(sessionID string, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		sessionID: sessionID,
		logger:    logger.Named("progress").With(zap.String("session_id", sessionID)),
		now:       time.Now,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Emit appends a message. It never waits on the subscriber.
// Messages emitted after Close are logged and discarded.
func (c *Channel) Emit(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Dropping progress message on closed channel.", zap.String("text", text))
		return
	}
	c.seq++
	msg := schemas.ProgressMessage{Seq: c.seq, Time: c.now().UTC(), Text: text}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	c.logger.Info(text, zap.Uint64("seq", msg.Seq))

	select {
	case c.notify <- struct{}{}:
	default:
		// A wake-up is already pending.
	}
}

// Emitter returns Emit as an EmitFunc.
func (c *Channel) Emitter() EmitFunc { return c.Emit }

// Pending returns the number of messages not yet handed to a subscriber.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe attaches the single consumer.
func (c *Channel) Subscribe() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return nil, ErrSubscriberActive
	}
	c.subscribed = true
	c.logger.Debug("Progress subscriber attached.", zap.Int("pending", len(c.queue)))
	return &Subscription{ch: c, detached: make(chan struct{})}, nil
}

// Close ends the stream. The active subscriber still receives what is queued,
// then io.EOF. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := len(c.queue)
		c.mu.Unlock()
		close(c.done)
		c.logger.Debug("Progress channel closed.", zap.Int("undelivered", pending))
	})
}

// pop removes the head of the queue. Caller holds c.mu.
func (c *Channel) pop() (schemas.ProgressMessage, bool) {
	if len(c.queue) == 0 {
		return schemas.ProgressMessage{}, false
	}
	msg := c.queue[0]
	c.queue[0] = schemas.ProgressMessage{}
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return msg, true
}

// Subscription is the consumer side of a Channel.
type Subscription struct {
	ch         *Channel
	detachOnce sync.Once
	detached   chan struct{}
}

// Next blocks until a message is available. It returns io.EOF once the channel
// is closed and drained, or the context error if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (schemas.ProgressMessage, error) {
	for {
		select {
		case <-s.detached:
			return schemas.ProgressMessage{}, ErrSubscriptionClosed
		default:
		}

		s.ch.mu.Lock()
		msg, ok := s.ch.pop()
		closed := s.ch.closed
		s.ch.mu.Unlock()

		if ok {
			return msg, nil
		}
		if closed {
			return schemas.ProgressMessage{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return schemas.ProgressMessage{}, ctx.Err()
		case <-s.detached:
			return schemas.ProgressMessage{}, ErrSubscriptionClosed
		case <-s.ch.notify:
		case <-s.ch.done:
		}
	}
}

// Close detaches the subscriber so another one may attach later.
func (s *Subscription) Close() {
	s.detachOnce.Do(func() {
		close(s.detached)
		s.ch.mu.Lock()
		s.ch.subscribed = false
		s.ch.mu.Unlock()
		s.ch.logger.Debug("Progress subscriber detached.")
	})
}
