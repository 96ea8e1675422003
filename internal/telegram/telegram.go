package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/control"
)

const maxMessageChars = 4096

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed code=%d: %s", e.Method, e.Code, e.Description)
}

// ErrorClass tags API failures for the poll loop's circuit breaker.
func (e *APIError) ErrorClass() string { return control.ClassCommandSource }

// RetryDelay is the wait Telegram asked for on a 429, or zero.
func (e *APIError) RetryDelay() time.Duration {
	return time.Duration(e.RetryAfter) * time.Second
}

// Unwrap exposes commander.ErrNonEditable for edits Telegram refuses to apply.
func (e *APIError) Unwrap() error {
	if e.nonEditable() {
		return cmdpkg.ErrNonEditable
	}
	return nil
}

func (e *APIError) nonEditable() bool {
	if e.Code != http.StatusBadRequest {
		return false
	}
	d := strings.ToLower(e.Description)
	for _, s := range []string{
		"message is not modified",
		"message can't be edited",
		"message to edit not found",
		"message_id_invalid",
	} {
		if strings.Contains(d, s) {
			return true
		}
	}
	return false
}

type Update = cmdpkg.Update

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var updates []Update
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	out := updates[:0]
	for _, u := range updates {
		if u.Message == nil && u.Callback == nil {
			continue
		}
		if u.Callback != nil {
			u.Callback.Data = strings.TrimSpace(u.Callback.Data)
		}
		out = append(out, u)
	}
	return out, nil
}

type sendMessageRequest struct {
	ChatID      int64            `json:"chat_id"`
	MessageID   int64            `json:"message_id,omitempty"`
	Text        string           `json:"text"`
	ReplyMarkup *cmdpkg.Keyboard `json:"reply_markup,omitempty"`
}

func markup(kb cmdpkg.Keyboard) *cmdpkg.Keyboard {
	if kb.Empty() {
		return nil
	}
	return &kb
}

// SendMessage sends a text message with an optional inline keyboard and
// returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb cmdpkg.Keyboard) (int64, error) {
	var msg cmdpkg.Message
	req := sendMessageRequest{ChatID: chatID, Text: truncate(text, maxMessageChars), ReplyMarkup: markup(kb)}
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessage replaces the text and keyboard of a bot message. Edits Telegram
// cannot apply are reported as commander.ErrNonEditable.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string, kb cmdpkg.Keyboard) error {
	req := sendMessageRequest{ChatID: chatID, MessageID: messageID, Text: truncate(text, maxMessageChars), ReplyMarkup: markup(kb)}
	return c.call(ctx, "editMessageText", req, nil)
}

// DeleteMessage deletes a message in a chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]int64{"chat_id": chatID, "message_id": messageID}, nil)
}

// AnswerCallback stops the button spinner, showing text as a toast if set.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	payload := map[string]string{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return fmt.Errorf("failed to parse telegram %s response status=%d: %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		apiErr := &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
		if tgResp.Parameters != nil {
			apiErr.RetryAfter = tgResp.Parameters.RetryAfter
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, result); err != nil {
		return fmt.Errorf("failed to parse telegram %s result: %w", method, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
