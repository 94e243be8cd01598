package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdertmann/allrisbot/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-token", WithBaseURL(server.URL))
}

func respond(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
}

func TestSendSuccess(t *testing.T) {
	var captured sendMessageRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		respond(t, w, http.StatusOK, `{"ok":true,"result":{}}`)
	})

	msg := &types.Message{
		Text:      "Neue Vorlage",
		ParseMode: "HTML",
		Buttons:   []types.LinkButton{{Text: "Zur Vorlage", URL: "https://example.org/1"}},
	}
	err := client.Send(context.Background(), 42, msg)
	require.NoError(t, err)

	assert.Equal(t, int64(42), captured.ChatID)
	assert.Equal(t, "Neue Vorlage", captured.Text)
	assert.Equal(t, "HTML", captured.ParseMode)
	assert.True(t, captured.DisablePreview)
	require.NotNil(t, captured.ReplyMarkup)
	require.Len(t, captured.ReplyMarkup.InlineKeyboard, 1)
	assert.Equal(t, "Zur Vorlage", captured.ReplyMarkup.InlineKeyboard[0][0].Text)
}

func TestSendOmitsParseModeWithEntities(t *testing.T) {
	var captured sendMessageRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		respond(t, w, http.StatusOK, `{"ok":true,"result":{}}`)
	})

	msg := &types.Message{
		Text:      "Neue Vorlage",
		ParseMode: "HTML",
		Entities:  []types.MessageEntity{{Type: "bold", Offset: 0, Length: 4}},
	}
	require.NoError(t, client.Send(context.Background(), 42, msg))

	assert.Empty(t, captured.ParseMode)
	assert.Len(t, captured.Entities, 1)
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "invalid token",
			status: http.StatusUnauthorized,
			body:   `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidToken)
			},
		},
		{
			name:   "blocked",
			status: http.StatusForbidden,
			body:   `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			check: func(t *testing.T, err error) {
				var blocked *BlockedError
				require.ErrorAs(t, err, &blocked)
				assert.Contains(t, blocked.Description, "blocked")
			},
		},
		{
			name:   "blocked phrase on 400",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			check: func(t *testing.T, err error) {
				var blocked *BlockedError
				assert.ErrorAs(t, err, &blocked)
			},
		},
		{
			name:   "migrated",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: group chat was upgraded","parameters":{"migrate_to_chat_id":-100999}}`,
			check: func(t *testing.T, err error) {
				var migrated *MigratedError
				require.ErrorAs(t, err, &migrated)
				assert.Equal(t, types.ChatID(-100999), migrated.To)
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":17}}`,
			check: func(t *testing.T, err error) {
				var retryAfter *RetryAfterError
				require.ErrorAs(t, err, &retryAfter)
				assert.Equal(t, 17*time.Second, retryAfter.After)
			},
		},
		{
			name:   "other client error",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: message is too long"}`,
			check: func(t *testing.T, err error) {
				var clientErr *ClientError
				require.ErrorAs(t, err, &clientErr)
				assert.Equal(t, 400, clientErr.Code)
			},
		},
		{
			name:   "server error stays retriable",
			status: http.StatusBadGateway,
			body:   `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				var blocked *BlockedError
				var clientErr *ClientError
				assert.False(t, errors.As(err, &blocked))
				assert.False(t, errors.As(err, &clientErr))
				assert.NotErrorIs(t, err, ErrInvalidToken)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				respond(t, w, tt.status, tt.body)
			})
			err := client.Send(context.Background(), 42, &types.Message{Text: "x"})
			tt.check(t, err)
		})
	}
}

func TestSendRetryAfterDefaultsToOneSecond(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
	})

	err := client.Send(context.Background(), 42, &types.Message{Text: "x"})
	var retryAfter *RetryAfterError
	require.ErrorAs(t, err, &retryAfter)
	assert.Equal(t, time.Second, retryAfter.After)
}
