// Package broadcast is the fan-out engine: a scheduler that keeps at most
// one worker per chat in flight and a single sender task that performs all
// outbound sends under a global rate limit.
package broadcast

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/types"
)

// Signal is a shutdown request for a running Broadcaster.
type Signal int

const (
	// SignalSoft stops consuming the update stream and drains in-flight
	// chats before stopping.
	SignalSoft Signal = iota
	// SignalHard stops as soon as the in-flight send has finished.
	SignalHard
)

// Config tunes the engine. The zero value is filled with defaults.
type Config struct {
	// BroadcastsPerSecond is the global send rate.
	BroadcastsPerSecond int
	// QueueCapacity bounds the send queue between scheduler and sender.
	QueueCapacity int
	// PrivateChatDelay is the minimum spacing between sends to one private
	// chat, GroupChatDelay the same for groups and channels.
	PrivateChatDelay time.Duration
	GroupChatDelay   time.Duration
	// BackoffBase is the first retry delay for retriable send failures.
	BackoffBase time.Duration
	// MaxSendAttempts is the retry budget per message.
	MaxSendAttempts int
}

func (c Config) withDefaults() Config {
	if c.BroadcastsPerSecond <= 0 {
		c.BroadcastsPerSecond = 30
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 3
	}
	if c.PrivateChatDelay <= 0 {
		c.PrivateChatDelay = time.Second
	}
	if c.GroupChatDelay <= 0 {
		c.GroupChatDelay = 3 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Millisecond
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 6
	}
	return c
}

// Broadcaster owns the scheduler and sender goroutines.
type Broadcaster struct {
	manager    *manager
	sender     *sender
	signals    chan Signal
	hardCtx    context.Context
	hardStop   context.CancelFunc
	senderDone chan struct{}
	done       chan struct{}
}

// New wires up a Broadcaster. Call Start to run it. A nil metrics registers
// into a throwaway registry.
func New(cfg Config, backend Backend, log *logger.Logger, metrics *Metrics) *Broadcaster {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	hardCtx, hardStop := context.WithCancel(context.Background())
	queue := make(chan sendJob, cfg.QueueCapacity)
	senderDone := make(chan struct{})

	s := &sender{
		backend:  backend,
		queue:    queue,
		limiter:  rate.NewLimiter(rate.Limit(cfg.BroadcastsPerSecond), 1),
		logger:   log.WithComponent("sender"),
		metrics:  metrics,
		cfg:      cfg,
		hardStop: hardStop,
	}
	m := &manager{
		backend:    backend,
		queue:      queue,
		logger:     log.WithComponent("manager"),
		metrics:    metrics,
		cfg:        cfg,
		signals:    make(chan Signal),
		results:    make(chan chatResult),
		states:     make(map[types.ChatID]*chatRunState),
		hardCtx:    hardCtx,
		done:       make(chan struct{}),
		senderDone: senderDone,
	}

	return &Broadcaster{
		manager:    m,
		sender:     s,
		signals:    m.signals,
		hardCtx:    hardCtx,
		hardStop:   hardStop,
		senderDone: senderDone,
		done:       make(chan struct{}),
	}
}

// Start launches the engine. It returns immediately.
func (b *Broadcaster) Start() {
	go func() {
		defer close(b.senderDone)
		b.sender.run(b.hardCtx)
	}()
	go func() {
		b.manager.run()
		// The manager is gone; take the sender down with it.
		b.hardStop()
		<-b.senderDone
		close(b.done)
	}()
}

// Signal requests a shutdown. Signalling an already stopped Broadcaster is
// a no-op. A second SignalSoft is idempotent; SignalHard after SignalSoft
// escalates.
func (b *Broadcaster) Signal(sig Signal) {
	select {
	case b.signals <- sig:
	case <-b.done:
	}
}

// Wait blocks until the engine has fully stopped or ctx is cancelled.
func (b *Broadcaster) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
