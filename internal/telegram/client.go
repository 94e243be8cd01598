// Package telegram is the thin send client for the messaging platform. It
// knows nothing about filters or scheduling; it renders a message into a
// sendMessage call and maps the platform's error surface onto the internal
// taxonomy.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/types"
)

const defaultBaseURL = "https://api.telegram.org"

// Client calls the Telegram Bot API.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client
	logger  *logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) ClientOption {
	return func(c *Client) { c.logger = l.WithComponent("telegram") }
}

// NewClient creates a client for the given bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 45 * time.Second},
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID         int64                 `json:"chat_id"`
	Text           string                `json:"text"`
	ParseMode      string                `json:"parse_mode,omitempty"`
	Entities       []types.MessageEntity `json:"entities,omitempty"`
	ReplyMarkup    *inlineKeyboard       `json:"reply_markup,omitempty"`
	DisablePreview bool                  `json:"disable_web_page_preview"`
}

type responseParameters struct {
	MigrateToChatID int64 `json:"migrate_to_chat_id,omitempty"`
	RetryAfter      int   `json:"retry_after,omitempty"`
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

// Send delivers a message to a chat. Failures are returned as the internal
// error taxonomy; transport failures stay plain errors and are retriable.
func (c *Client) Send(ctx context.Context, chat types.ChatID, msg *types.Message) error {
	payload := sendMessageRequest{
		ChatID:         int64(chat),
		Text:           msg.Text,
		Entities:       msg.Entities,
		DisablePreview: true,
	}
	// The API rejects parse_mode alongside explicit entities.
	if len(msg.Entities) == 0 {
		payload.ParseMode = msg.ParseMode
	}
	if len(msg.Buttons) > 0 {
		rows := make([][]inlineButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			rows = append(rows, []inlineButton{{Text: b.Text, URL: b.URL}})
		}
		payload.ReplyMarkup = &inlineKeyboard{InlineKeyboard: rows}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", "error", err)
		}
	}()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if result.OK {
		return nil
	}

	code := result.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	return classify(code, result.Description, result.Parameters)
}
