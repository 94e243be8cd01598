package broadcast

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/telegram"
	"github.com/jdertmann/allrisbot/internal/types"
)

// ScheduledMessage is one delivery: a chat, the stream id being consumed and
// the rendered message.
type ScheduledMessage struct {
	Chat    types.ChatID
	ID      types.StreamID
	Message *types.Message
}

type sendJob struct {
	msg   ScheduledMessage
	reply chan sendResult
}

type sendResult struct {
	status      ChatStatus
	messageSent bool
	err         error
}

// sender is the single task that performs all outbound sends. It owns the
// global rate limit and the full error handling for one delivery, including
// the acknowledge/unacknowledge bracketing around each attempt.
type sender struct {
	backend  Backend
	queue    chan sendJob
	limiter  *rate.Limiter
	logger   *logger.Logger
	metrics  *Metrics
	cfg      Config
	hardStop context.CancelFunc
}

func (s *sender) run(ctx context.Context) {
	for {
		var job sendJob
		select {
		case job = <-s.queue:
		case <-ctx.Done():
			return
		}
		s.metrics.SendQueueDepth.Set(float64(len(s.queue)))

		// Job first, then the rate limiter: an idle sender must not burn
		// permits while the queue is empty.
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		res, fatal := s.deliver(ctx, job.msg)
		if fatal {
			s.hardStop()
			return
		}
		job.reply <- res
	}
}

// deliver runs the attempt loop for one message. It returns fatal=true only
// for an invalid bot token, which takes the whole engine down. On hard
// shutdown the in-flight attempt and its bookkeeping still complete; only
// the waiting between attempts is cut short.
func (s *sender) deliver(ctx context.Context, m ScheduledMessage) (sendResult, bool) {
	log := s.logger.With("chat_id", m.Chat, "stream_id", m.ID.String())
	jobCtx := context.WithoutCancel(ctx)

	messageSent := false
	attempt := 0
	for {
		ok, err := s.backend.Acknowledge(jobCtx, m.Chat, m.ID)
		if err != nil {
			return sendResult{messageSent: messageSent, err: err}, false
		}
		if !ok {
			// The cursor moved underneath us; the rerun re-reads it. The
			// reply never counts earlier attempts of this job as sent, the
			// rerun's own delivery paces the chat.
			return sendResult{status: StatusOutOfSync{}}, false
		}

		err = s.backend.Send(jobCtx, m.Chat, m.Message)
		messageSent = true

		var (
			blocked    *telegram.BlockedError
			migrated   *telegram.MigratedError
			retryAfter *telegram.RetryAfterError
			clientErr  *telegram.ClientError
		)
		switch {
		case err == nil:
			s.metrics.SendsTotal.WithLabelValues("sent").Inc()
			return sendResult{status: StatusProcessed{ID: m.ID}, messageSent: true}, false

		case errors.Is(err, telegram.ErrInvalidToken):
			log.Error("bot token rejected, shutting down")
			s.rollback(jobCtx, m, log)
			return sendResult{}, true

		case errors.As(err, &blocked):
			log.Info("chat unreachable, removing subscription", "reason", blocked.Description)
			if _, err := s.backend.RemoveChat(jobCtx, m.Chat); err != nil {
				log.Error("removing subscription failed", "error", err)
			}
			s.metrics.SendsTotal.WithLabelValues("blocked").Inc()
			return sendResult{status: StatusStopped{}, messageSent: true}, false

		case errors.As(err, &migrated):
			log.Info("chat migrated", "new_chat_id", migrated.To)
			s.rollback(jobCtx, m, log)
			if _, err := s.backend.MigrateChat(jobCtx, m.Chat, migrated.To); err != nil {
				return sendResult{messageSent: true, err: err}, false
			}
			s.metrics.SendsTotal.WithLabelValues("migrated").Inc()
			return sendResult{status: StatusMigratedTo{To: migrated.To}, messageSent: true}, false

		case errors.As(err, &retryAfter):
			// The platform named an exact wait; it replaces the backoff
			// step and does not consume the attempt budget.
			log.Warn("rate limited by platform", "retry_after", retryAfter.After)
			s.rollback(jobCtx, m, log)
			s.metrics.SendRetriesTotal.Inc()
			if !sleepCtx(ctx, retryAfter.After) {
				return sendResult{status: StatusShuttingDown{}, messageSent: true}, false
			}

		case errors.As(err, &clientErr):
			log.Warn("dropping message after client error", "error", clientErr)
			s.metrics.SendsTotal.WithLabelValues("dropped").Inc()
			return sendResult{status: StatusProcessed{ID: m.ID}, messageSent: true}, false

		default:
			attempt++
			if attempt > s.cfg.MaxSendAttempts {
				// Budget exhausted: keep the acknowledgement so the entry
				// is not retried forever.
				log.Error("send failed after retries, dropping message", "error", err)
				s.metrics.SendsTotal.WithLabelValues("failed").Inc()
				return sendResult{status: StatusProcessed{ID: m.ID}, messageSent: true}, false
			}
			delay := backoffDelay(s.cfg.BackoffBase, attempt)
			log.Warn("send failed, backing off", "error", err, "attempt", attempt, "delay", delay)
			s.rollback(jobCtx, m, log)
			s.metrics.SendRetriesTotal.Inc()
			if !sleepCtx(ctx, delay) {
				return sendResult{status: StatusShuttingDown{}, messageSent: true}, false
			}
		}
	}
}

func (s *sender) rollback(ctx context.Context, m ScheduledMessage, log *logger.Logger) {
	if ok, err := s.backend.Unacknowledge(ctx, m.Chat, m.ID); err != nil {
		log.Error("unacknowledge failed", "error", err)
	} else if !ok {
		log.Warn("unacknowledge lost a race, cursor already moved")
	}
}

const maxBackoffDelay = 2 * time.Minute

// backoffDelay is base multiplied by 6 per attempt, capped at two minutes.
// With the 10ms default that is 60ms, 360ms, 2.16s, 12.96s, 77.76s, 120s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 6
		if d >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
