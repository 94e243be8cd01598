package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/jdertmann/allrisbot/internal/cache"
	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/store"
	"github.com/jdertmann/allrisbot/internal/types"
)

// StreamUpdate is one element of the update stream: a stream id and a
// snapshot of the chats that were active when it was taken.
type StreamUpdate struct {
	ID    types.StreamID
	Chats []types.ChatID
}

// Backend is the capability surface the scheduler needs. It is the only
// coupling between the manager and storage/platform; tests substitute an
// in-memory fake.
type Backend interface {
	ReceiveUpdates(ctx context.Context) <-chan StreamUpdate
	NextUpdate(ctx context.Context, chat types.ChatID) (NextUpdate, error)
	Send(ctx context.Context, chat types.ChatID, msg *types.Message) error
	Acknowledge(ctx context.Context, chat types.ChatID, id types.StreamID) (bool, error)
	Unacknowledge(ctx context.Context, chat types.ChatID, id types.StreamID) (bool, error)
	MigrateChat(ctx context.Context, from, to types.ChatID) (bool, error)
	RemoveChat(ctx context.Context, chat types.ChatID) (bool, error)
}

// SendClient delivers a rendered message to a chat.
type SendClient interface {
	Send(ctx context.Context, chat types.ChatID, msg *types.Message) error
}

// EntryCache shares decoded stream entries across chat workers.
type EntryCache = cache.Cache[types.StreamID, *store.Entry]

// StoreBackend is the production backend: the Redis store for state, the
// entry cache for stream reads and the platform client for sends.
type StoreBackend struct {
	store    *store.Store
	cache    *EntryCache
	client   SendClient
	logger   *logger.Logger
	errPause time.Duration
}

// StoreBackendOption configures a StoreBackend.
type StoreBackendOption func(*StoreBackend)

// WithUpdateErrorPause sets the pause after a failed update stream read.
func WithUpdateErrorPause(d time.Duration) StoreBackendOption {
	return func(b *StoreBackend) { b.errPause = d }
}

// NewStoreBackend assembles the production backend.
func NewStoreBackend(st *store.Store, c *EntryCache, client SendClient, log *logger.Logger, opts ...StoreBackendOption) *StoreBackend {
	b := &StoreBackend{
		store:    st,
		cache:    c,
		client:   client,
		logger:   log.WithComponent("backend"),
		errPause: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ReceiveUpdates returns the infinite update stream. The first element is
// emitted as soon as possible and carries the current stream id and active
// chat set; each later element fires once a new entry exists. Errors pause
// the stream and reading resumes from the last observed id. The channel
// closes only when ctx is cancelled.
func (b *StoreBackend) ReceiveUpdates(ctx context.Context) <-chan StreamUpdate {
	out := make(chan StreamUpdate)
	go func() {
		defer close(out)
		var last types.StreamID
		primed := false
		for {
			var (
				id  types.StreamID
				err error
			)
			if primed {
				id, err = b.store.BlockingNextIDAfter(ctx, last)
			} else {
				id, err = b.store.CurrentStreamID(ctx)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("update stream read failed", "error", err)
				if !b.pause(ctx) {
					return
				}
				continue
			}

			chats, err := b.store.ActiveChats(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("listing active chats failed", "error", err)
				if !b.pause(ctx) {
					return
				}
				continue
			}

			select {
			case out <- StreamUpdate{ID: id, Chats: chats}:
				last = id
				primed = true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *StoreBackend) pause(ctx context.Context) bool {
	t := time.NewTimer(b.errPause)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// NextUpdate decides what a chat should do next: deliver the next matching
// entry, skip a non-matching one (acknowledging it), or report that the chat
// is caught up, migrated or stopped.
func (b *StoreBackend) NextUpdate(ctx context.Context, chat types.ChatID) (NextUpdate, error) {
	state, err := b.store.ChatState(ctx, chat)
	if err != nil {
		return nil, err
	}

	var last types.StreamID
	switch st := state.(type) {
	case types.Migrated:
		return UpdateMigrated{To: st.To}, nil
	case types.Stopped:
		return UpdateStopped{}, nil
	case types.Active:
		last = st.LastSent
	default:
		return nil, fmt.Errorf("unknown chat state %T", state)
	}

	entry, ok, err := b.cache.GetOrInitOptional(ctx, last, func(ctx context.Context) (*store.Entry, bool, error) {
		e, err := b.store.NextEntryAfter(ctx, last)
		if err != nil {
			return nil, false, err
		}
		return e, e != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return UpdatePending{Previous: last}, nil
	}

	filters, err := b.store.Filters(ctx, chat)
	if err != nil {
		return nil, err
	}
	if types.MatchesAny(filters, &entry.Message) {
		return UpdateReady{ID: entry.ID, Message: &entry.Message}, nil
	}

	if _, err := b.store.Acknowledge(ctx, chat, entry.ID); err != nil {
		return nil, err
	}
	return UpdateSkipped{ID: entry.ID}, nil
}

// Send delivers a message through the platform client.
func (b *StoreBackend) Send(ctx context.Context, chat types.ChatID, msg *types.Message) error {
	return b.client.Send(ctx, chat, msg)
}

// Acknowledge passes through to the store.
func (b *StoreBackend) Acknowledge(ctx context.Context, chat types.ChatID, id types.StreamID) (bool, error) {
	return b.store.Acknowledge(ctx, chat, id)
}

// Unacknowledge passes through to the store.
func (b *StoreBackend) Unacknowledge(ctx context.Context, chat types.ChatID, id types.StreamID) (bool, error) {
	return b.store.Unacknowledge(ctx, chat, id)
}

// MigrateChat passes through to the store.
func (b *StoreBackend) MigrateChat(ctx context.Context, from, to types.ChatID) (bool, error) {
	return b.store.MigrateChat(ctx, from, to)
}

// RemoveChat passes through to the store.
func (b *StoreBackend) RemoveChat(ctx context.Context, chat types.ChatID) (bool, error) {
	return b.store.RemoveChat(ctx, chat)
}
