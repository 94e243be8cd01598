package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jdertmann/allrisbot/internal/types"
)

// ErrInvalidToken means the bot token was rejected. Nothing will ever send
// again with this token, so the engine shuts down.
var ErrInvalidToken = errors.New("telegram: invalid bot token")

// BlockedError means the chat is permanently unreachable: the bot was
// blocked or kicked, the chat is gone, or posting rights are missing. The
// subscription gets removed.
type BlockedError struct {
	Description string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("telegram: chat unreachable: %s", e.Description)
}

// MigratedError means the chat was upgraded and now lives under a new id.
type MigratedError struct {
	To types.ChatID
}

func (e *MigratedError) Error() string {
	return fmt.Sprintf("telegram: chat migrated to %d", e.To)
}

// RetryAfterError carries the exact wait the platform demanded.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("telegram: rate limited, retry after %s", e.After)
}

// ClientError is a 4xx response not covered by the other classes. Treated as
// non-retriable: the message is dropped with a log line.
type ClientError struct {
	Code        int
	Description string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("telegram: client error %d: %s", e.Code, e.Description)
}

// blockedPhrases are the API descriptions that mean a chat is gone for good.
var blockedPhrases = []string{
	"bot was kicked",
	"bot was blocked",
	"chat not found",
	"user is deactivated",
	"group chat was deleted",
	"not enough rights",
	"have no rights to send",
	"need administrator rights",
	"bot is not a member",
	"CHAT_WRITE_FORBIDDEN",
	"TOPIC_CLOSED",
}

// classify maps an API error response onto the internal taxonomy. Anything
// it does not recognise stays a plain error and is retried with backoff.
func classify(code int, description string, params *responseParameters) error {
	if params != nil && params.MigrateToChatID != 0 {
		return &MigratedError{To: types.ChatID(params.MigrateToChatID)}
	}
	if code == 429 || (params != nil && params.RetryAfter > 0) {
		after := time.Second
		if params != nil && params.RetryAfter > 0 {
			after = time.Duration(params.RetryAfter) * time.Second
		}
		return &RetryAfterError{After: after}
	}
	switch {
	case code == 401:
		return ErrInvalidToken
	case code == 403:
		return &BlockedError{Description: description}
	case code >= 400 && code < 500:
		for _, phrase := range blockedPhrases {
			if strings.Contains(description, phrase) {
				return &BlockedError{Description: description}
			}
		}
		return &ClientError{Code: code, Description: description}
	}
	return fmt.Errorf("telegram: API error %d: %s", code, description)
}
