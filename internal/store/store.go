// Package store is the authoritative persistence layer: an append-only
// stream of scheduled messages plus the per-chat subscription state, both
// kept in Redis. All lifecycle mutations are atomic server-side, either via
// Lua scripts or WATCH/MULTI transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/types"
)

const (
	streamKey     = "scheduled_messages"
	chatsKey      = "registered_chats"
	knownItemsKey = "known_items"
	lastUpdateKey = "last_update"
)

// ErrSerialization marks a persisted value that no longer decodes. Dialogue
// scratch hitting this is deleted before the error surfaces.
var ErrSerialization = errors.New("store: malformed persisted value")

// Entry is one element of the message stream. Immutable once read; the cache
// shares a single instance across all chat workers.
type Entry struct {
	ID      types.StreamID
	Message types.Message
}

// Store wraps a Redis client with the bot's persistence operations and a
// bounded retry policy for transient failures.
type Store struct {
	client      redis.UniversalClient
	logger      *logger.Logger
	callTimeout time.Duration
	blockPeriod time.Duration
	dialogueTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l.WithComponent("store") }
}

// WithCallTimeout bounds each store call including its retries.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Store) { s.callTimeout = d }
}

// WithBlockPeriod sets how long a single blocking stream read waits before
// it is retried. Mostly useful in tests.
func WithBlockPeriod(d time.Duration) Option {
	return func(s *Store) { s.blockPeriod = d }
}

// WithDialogueTTL sets the expiry of dialogue scratch values.
func WithDialogueTTL(d time.Duration) Option {
	return func(s *Store) { s.dialogueTTL = d }
}

// New creates a store on top of the given Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:      client,
		logger:      logger.Discard(),
		callTimeout: 30 * time.Second,
		blockPeriod: 5 * time.Second,
		dialogueTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func chatKey(chat types.ChatID) string {
	return fmt.Sprintf("registered_chats:%d", chat)
}

func dialogueKey(chat types.ChatID) string {
	return fmt.Sprintf("dialogue:%d", chat)
}

// Append adds a message to the stream and returns its assigned id, strictly
// greater than any prior id.
func (s *Store) Append(ctx context.Context, msg *types.Message) (types.StreamID, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return types.StreamID{}, fmt.Errorf("marshal message: %w", err)
	}
	return doRetry(s, ctx, "append", func(ctx context.Context) (types.StreamID, error) {
		raw, err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			Values: map[string]any{"message": data},
		}).Result()
		if err != nil {
			return types.StreamID{}, err
		}
		return types.ParseStreamID(raw)
	})
}

// ScheduleBroadcast appends a message iff the upstream item id is new.
// Returns the assigned stream id and whether an append happened. The
// dedup-check and the append are a single atomic step.
func (s *Store) ScheduleBroadcast(ctx context.Context, itemID string, msg *types.Message) (types.StreamID, bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return types.StreamID{}, false, fmt.Errorf("marshal message: %w", err)
	}
	type result struct {
		id       types.StreamID
		appended bool
	}
	res, err := doRetry(s, ctx, "schedule_broadcast", func(ctx context.Context) (result, error) {
		raw, err := scheduleScript.Run(ctx, s.client, []string{knownItemsKey, streamKey}, itemID, data).Text()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		id, err := types.ParseStreamID(raw)
		return result{id: id, appended: true}, err
	})
	return res.id, res.appended, err
}

// CurrentStreamID returns the most recent stream id, or the zero sentinel
// when the stream is empty.
func (s *Store) CurrentStreamID(ctx context.Context) (types.StreamID, error) {
	return doRetry(s, ctx, "current_stream_id", func(ctx context.Context) (types.StreamID, error) {
		msgs, err := s.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil {
			return types.StreamID{}, err
		}
		if len(msgs) == 0 {
			return types.ZeroStreamID, nil
		}
		return types.ParseStreamID(msgs[0].ID)
	})
}

// NextEntryAfter returns the smallest-id entry strictly greater than id, or
// nil when the caller is caught up.
func (s *Store) NextEntryAfter(ctx context.Context, id types.StreamID) (*Entry, error) {
	return doRetry(s, ctx, "next_entry_after", func(ctx context.Context) (*Entry, error) {
		msgs, err := s.client.XRangeN(ctx, streamKey, id.Next().String(), "+", 1).Result()
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			return nil, nil
		}
		return decodeEntry(msgs[0])
	})
}

// BlockingNextIDAfter waits until an entry with an id greater than id exists
// and returns that id. The wait happens in bounded rounds so the call reacts
// to context cancellation; transient read errors are retried in place.
func (s *Store) BlockingNextIDAfter(ctx context.Context, id types.StreamID) (types.StreamID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.StreamID{}, err
		}
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, id.String()},
			Count:   1,
			Block:   s.blockPeriod,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return types.StreamID{}, ctx.Err()
			}
			if !isTransientError(err) {
				return types.StreamID{}, fmt.Errorf("blocking_next_id_after: %w", err)
			}
			s.logger.Debug("blocking stream read failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return types.StreamID{}, ctx.Err()
			}
			continue
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}
		return types.ParseStreamID(streams[0].Messages[0].ID)
	}
}

// ChatState derives the lifecycle state of a chat from its subscription
// hash.
func (s *Store) ChatState(ctx context.Context, chat types.ChatID) (types.ChatState, error) {
	return doRetry(s, ctx, "chat_state", func(ctx context.Context) (types.ChatState, error) {
		fields, err := s.client.HGetAll(ctx, chatKey(chat)).Result()
		if err != nil {
			return nil, err
		}
		if to, ok := fields["migrated"]; ok && to != "" {
			target, err := types.ParseChatID(to)
			if err != nil {
				return nil, fmt.Errorf("%w: migrated target %q", ErrSerialization, to)
			}
			return types.Migrated{To: target}, nil
		}
		raw, ok := fields["last_sent"]
		if !ok {
			return types.Stopped{}, nil
		}
		last, err := types.ParseStreamID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: last_sent %q", ErrSerialization, raw)
		}
		return types.Active{LastSent: last}, nil
	})
}

// ActiveChats lists the chats with a live subscription. Unparseable members
// are skipped with a warning.
func (s *Store) ActiveChats(ctx context.Context) ([]types.ChatID, error) {
	return doRetry(s, ctx, "active_chats", func(ctx context.Context) ([]types.ChatID, error) {
		members, err := s.client.SMembers(ctx, chatsKey).Result()
		if err != nil {
			return nil, err
		}
		chats := make([]types.ChatID, 0, len(members))
		for _, m := range members {
			chat, err := types.ParseChatID(m)
			if err != nil {
				s.logger.Warn("skipping malformed registered chat id", "member", m)
				continue
			}
			chats = append(chats, chat)
		}
		return chats, nil
	})
}

// Filters returns the chat's filter rules. A malformed persisted value is
// logged and treated as empty so one broken subscription cannot take the
// engine down.
func (s *Store) Filters(ctx context.Context, chat types.ChatID) ([]types.Filter, error) {
	return doRetry(s, ctx, "filters", func(ctx context.Context) ([]types.Filter, error) {
		raw, err := s.client.HGet(ctx, chatKey(chat), "filter").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var filters []types.Filter
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			s.logger.Warn("malformed persisted filters, treating as empty",
				"chat_id", chat, "error", err)
			return nil, nil
		}
		return filters, nil
	})
}

// maxCASRetries bounds the optimistic-concurrency loop of UpdateFilters.
const maxCASRetries = 10

// UpdateFilters applies an atomic read-modify-write to the chat's filters.
// An updater that leaves the list empty removes the subscription; otherwise
// the chat is ensured Active, with the cursor initialised to the current
// stream id so a fresh subscriber does not receive the backlog.
func (s *Store) UpdateFilters(ctx context.Context, chat types.ChatID, update func([]types.Filter) []types.Filter) error {
	_, err := doRetry(s, ctx, "update_filters", func(ctx context.Context) (struct{}, error) {
		var zero struct{}
		key := chatKey(chat)
		txf := func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, key, "filter", "last_sent", "migrated").Result()
			if err != nil {
				return err
			}

			var existing []types.Filter
			migrated := vals[2] != nil
			hasCursor := vals[1] != nil && !migrated
			if raw, ok := vals[0].(string); ok && !migrated {
				if err := json.Unmarshal([]byte(raw), &existing); err != nil {
					s.logger.Warn("malformed persisted filters, treating as empty",
						"chat_id", chat, "error", err)
					existing = nil
				}
			}

			updated := update(existing)
			if len(updated) == 0 {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, chatsKey, chat.String())
					return nil
				})
				return err
			}

			data, err := json.Marshal(updated)
			if err != nil {
				return fmt.Errorf("marshal filters: %w", err)
			}

			cursor := types.ZeroStreamID
			if !hasCursor {
				msgs, err := tx.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
				if err != nil {
					return err
				}
				if len(msgs) > 0 {
					cursor, err = types.ParseStreamID(msgs[0].ID)
					if err != nil {
						return err
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "filter", data)
				if !hasCursor {
					pipe.HSet(ctx, key, "last_sent", cursor.String())
					pipe.HDel(ctx, key, "migrated", "prev_sent")
				}
				pipe.SAdd(ctx, chatsKey, chat.String())
				return nil
			})
			return err
		}

		for i := 0; i < maxCASRetries; i++ {
			err := s.client.Watch(ctx, txf, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return zero, err
		}
		return zero, fmt.Errorf("update_filters: too many concurrent modifications for chat %d", chat)
	})
	return err
}

// Acknowledge advances the chat's cursor to id iff the current cursor is
// strictly smaller. Reports whether the CAS succeeded.
func (s *Store) Acknowledge(ctx context.Context, chat types.ChatID, id types.StreamID) (bool, error) {
	return doRetry(s, ctx, "acknowledge", func(ctx context.Context) (bool, error) {
		n, err := acknowledgeScript.Run(ctx, s.client, []string{chatKey(chat)}, id.String()).Int()
		return n == 1, err
	})
}

// Unacknowledge rolls an acknowledgement back: iff the cursor still equals
// id, the prior cursor is restored. Used when the send after a premature
// acknowledgement fails retriably.
func (s *Store) Unacknowledge(ctx context.Context, chat types.ChatID, id types.StreamID) (bool, error) {
	return doRetry(s, ctx, "unacknowledge", func(ctx context.Context) (bool, error) {
		n, err := unacknowledgeScript.Run(ctx, s.client, []string{chatKey(chat)}, id.String()).Int()
		return n == 1, err
	})
}

// MigrateChat atomically marks from as migrated to to, carrying filters,
// cursor and dialogue scratch unless the target already has them.
func (s *Store) MigrateChat(ctx context.Context, from, to types.ChatID) (bool, error) {
	return doRetry(s, ctx, "migrate_chat", func(ctx context.Context) (bool, error) {
		keys := []string{chatKey(from), chatKey(to), chatsKey, dialogueKey(from), dialogueKey(to)}
		n, err := migrateScript.Run(ctx, s.client, keys, from.String(), to.String()).Int()
		return n == 1, err
	})
}

// RemoveChat deletes the chat's subscription and dialogue scratch.
func (s *Store) RemoveChat(ctx context.Context, chat types.ChatID) (bool, error) {
	return doRetry(s, ctx, "remove_chat", func(ctx context.Context) (bool, error) {
		keys := []string{chatKey(chat), chatsKey, dialogueKey(chat)}
		n, err := removeScript.Run(ctx, s.client, keys, chat.String()).Int()
		return n == 1, err
	})
}

// Dialogue returns the chat's dialogue scratch, or nil when absent. A value
// that is no longer valid JSON is deleted and the error surfaced.
func (s *Store) Dialogue(ctx context.Context, chat types.ChatID) (json.RawMessage, error) {
	return doRetry(s, ctx, "dialogue", func(ctx context.Context) (json.RawMessage, error) {
		raw, err := s.client.Get(ctx, dialogueKey(chat)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(raw)) {
			if err := s.client.Del(ctx, dialogueKey(chat)).Err(); err != nil {
				s.logger.Warn("failed to delete malformed dialogue", "chat_id", chat, "error", err)
			}
			return nil, fmt.Errorf("%w: dialogue for chat %d", ErrSerialization, chat)
		}
		return json.RawMessage(raw), nil
	})
}

// SetDialogue stores the chat's dialogue scratch with the configured TTL.
func (s *Store) SetDialogue(ctx context.Context, chat types.ChatID, value json.RawMessage) error {
	_, err := doRetry(s, ctx, "set_dialogue", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, dialogueKey(chat), []byte(value), s.dialogueTTL).Err()
	})
	return err
}

// DeleteDialogue drops the chat's dialogue scratch.
func (s *Store) DeleteDialogue(ctx context.Context, chat types.ChatID) error {
	_, err := doRetry(s, ctx, "delete_dialogue", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.Del(ctx, dialogueKey(chat)).Err()
	})
	return err
}

// SetLastUpdate records when the ingestion last ran.
func (s *Store) SetLastUpdate(ctx context.Context, t time.Time) error {
	_, err := doRetry(s, ctx, "set_last_update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, lastUpdateKey, strconv.FormatInt(t.UnixMilli(), 10), 0).Err()
	})
	return err
}

// LastUpdate returns the timestamp of the last ingestion run, or the zero
// time when none is recorded.
func (s *Store) LastUpdate(ctx context.Context) (time.Time, error) {
	return doRetry(s, ctx, "last_update", func(ctx context.Context) (time.Time, error) {
		raw, err := s.client.Get(ctx, lastUpdateKey).Result()
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		if err != nil {
			return time.Time{}, err
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: last_update %q", ErrSerialization, raw)
		}
		return time.UnixMilli(ms), nil
	})
}

// TrimStream drops stream entries older than maxAge. Consumers never assume
// indefinite retention.
func (s *Store) TrimStream(ctx context.Context, maxAge time.Duration) (int64, error) {
	return doRetry(s, ctx, "trim_stream", func(ctx context.Context) (int64, error) {
		minID := types.StreamID{Millis: time.Now().Add(-maxAge).UnixMilli()}
		return s.client.XTrimMinID(ctx, streamKey, minID.String()).Result()
	})
}

func decodeEntry(msg redis.XMessage) (*Entry, error) {
	id, err := types.ParseStreamID(msg.ID)
	if err != nil {
		return nil, err
	}
	raw, ok := msg.Values["message"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: stream entry %s has no message field", ErrSerialization, msg.ID)
	}
	entry := &Entry{ID: id}
	if err := json.Unmarshal([]byte(raw), &entry.Message); err != nil {
		return nil, fmt.Errorf("%w: stream entry %s: %v", ErrSerialization, msg.ID, err)
	}
	return entry, nil
}
