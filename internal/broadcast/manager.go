package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/types"
)

type chatRunState struct {
	// retrigger records triggers that arrived while the chat was already
	// being processed; they coalesce into one rerun.
	retrigger bool
}

type chatResult struct {
	chat   types.ChatID
	status ChatStatus
	err    error
}

// manager is the scheduler. It consumes the update stream, keeps at most one
// worker per chat in flight and decides from each worker's outcome whether
// the chat runs again.
type manager struct {
	backend Backend
	queue   chan sendJob
	logger  *logger.Logger
	metrics *Metrics
	cfg     Config

	signals chan Signal
	results chan chatResult
	states  map[types.ChatID]*chatRunState
	latest  *types.StreamID
	soft    bool

	hardCtx    context.Context
	done       chan struct{}
	senderDone chan struct{}
}

func (m *manager) run() {
	defer close(m.done)

	updatesCtx, cancelUpdates := context.WithCancel(context.Background())
	defer cancelUpdates()
	updates := m.backend.ReceiveUpdates(updatesCtx)

	for {
		if m.soft && len(m.states) == 0 {
			m.logger.Info("all chats drained, stopping")
			return
		}

		// Shutdown signals and sender death win over stream traffic, and
		// stream traffic wins over finished rounds.
		select {
		case <-m.senderDone:
			m.logger.Error("sender terminated, stopping")
			return
		case sig := <-m.signals:
			if m.handleSignal(sig, cancelUpdates) {
				return
			}
			updates = m.maybeMute(updates)
			continue
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.applyUpdate(u)
			continue
		default:
		}

		select {
		case <-m.senderDone:
			m.logger.Error("sender terminated, stopping")
			return
		case sig := <-m.signals:
			if m.handleSignal(sig, cancelUpdates) {
				return
			}
			updates = m.maybeMute(updates)
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.applyUpdate(u)
		case r := <-m.results:
			m.handleResult(r)
		}
	}
}

func (m *manager) applyUpdate(u StreamUpdate) {
	m.latest = &u.ID
	m.metrics.UpdatesTotal.Inc()
	m.logger.Debug("stream update", "stream_id", u.ID.String(), "chats", len(u.Chats))
	for _, chat := range u.Chats {
		m.trigger(chat)
	}
}

// handleSignal returns true when the manager should stop right away.
func (m *manager) handleSignal(sig Signal, cancelUpdates context.CancelFunc) bool {
	switch sig {
	case SignalHard:
		m.logger.Info("hard shutdown signalled", "inflight", len(m.states))
		return true
	default:
		m.logger.Info("soft shutdown signalled, draining", "inflight", len(m.states))
		m.soft = true
		cancelUpdates()
		return false
	}
}

// maybeMute stops the update stream case from firing once soft shutdown has
// cancelled the stream; the closed channel would otherwise spin.
func (m *manager) maybeMute(updates <-chan StreamUpdate) <-chan StreamUpdate {
	if m.soft {
		return nil
	}
	return updates
}

func (m *manager) trigger(chat types.ChatID) {
	if st, ok := m.states[chat]; ok {
		st.retrigger = true
		m.metrics.CoalescedTriggersTotal.Inc()
		return
	}
	m.states[chat] = &chatRunState{}
	m.metrics.InflightWorkers.Inc()
	go m.processChat(chat)
}

func (m *manager) handleResult(r chatResult) {
	st := m.states[r.chat]
	delete(m.states, r.chat)
	m.metrics.InflightWorkers.Dec()
	retrigger := st != nil && st.retrigger

	if r.err != nil {
		// The worker already exhausted the store retry policy; drop the
		// round, the next stream update picks the chat up again.
		m.logger.Error("chat round failed", "chat_id", r.chat, "error", r.err)
		return
	}

	switch status := r.status.(type) {
	case StatusProcessed:
		behind := m.latest != nil && status.ID.Less(*m.latest)
		if behind || retrigger {
			m.trigger(r.chat)
		}
	case StatusOutOfSync:
		// Someone moved the cursor concurrently; rerun unconditionally.
		m.trigger(r.chat)
	case StatusStopped:
		// A trigger that raced the unsubscription may mean the chat was
		// re-registered; only then is a rerun worth it.
		if retrigger {
			m.trigger(r.chat)
		}
	case StatusMigratedTo:
		m.trigger(status.To)
	case StatusShuttingDown:
	default:
		m.logger.Error("unknown chat status", "chat_id", r.chat, "status", fmt.Sprintf("%T", r.status))
	}
}

// processChat is the worker goroutine: one round for one chat. The result
// send is abandoned when the manager is already gone.
func (m *manager) processChat(chat types.ChatID) {
	started := time.Now()
	status, err := m.runRound(m.hardCtx, chat, started)
	select {
	case m.results <- chatResult{chat: chat, status: status, err: err}:
	case <-m.done:
	}
}

func (m *manager) runRound(ctx context.Context, chat types.ChatID, started time.Time) (ChatStatus, error) {
	next, err := m.backend.NextUpdate(ctx, chat)
	if err != nil {
		return nil, err
	}

	switch u := next.(type) {
	case UpdateReady:
		return m.deliver(ctx, chat, u, started)
	case UpdateSkipped:
		m.metrics.SkippedTotal.Inc()
		return StatusProcessed{ID: u.ID}, nil
	case UpdateOutOfSync:
		return StatusOutOfSync{}, nil
	case UpdatePending:
		return StatusProcessed{ID: u.Previous}, nil
	case UpdateMigrated:
		return StatusMigratedTo{To: u.To}, nil
	case UpdateStopped:
		return StatusStopped{}, nil
	default:
		return nil, fmt.Errorf("unknown update variant %T", next)
	}
}

// deliver hands the message to the sender and enforces the per-chat pacing
// delay, measured from the start of the round so queueing time counts
// towards it.
func (m *manager) deliver(ctx context.Context, chat types.ChatID, u UpdateReady, started time.Time) (ChatStatus, error) {
	job := sendJob{
		msg:   ScheduledMessage{Chat: chat, ID: u.ID, Message: u.Message},
		reply: make(chan sendResult, 1),
	}

	select {
	case m.queue <- job:
		m.metrics.SendQueueDepth.Set(float64(len(m.queue)))
	case <-ctx.Done():
		return StatusShuttingDown{}, nil
	}

	var res sendResult
	select {
	case res = <-job.reply:
	case <-ctx.Done():
		return StatusShuttingDown{}, nil
	}
	if res.err != nil {
		return nil, res.err
	}

	if res.messageSent {
		delay := m.cfg.PrivateChatDelay
		if chat.IsGroup() {
			delay = m.cfg.GroupChatDelay
		}
		if wait := time.Until(started.Add(delay)); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}
	return res.status, nil
}
