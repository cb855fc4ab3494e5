package infrastructure

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"saleschat/internal/entities"
)

const lineAPIBase = "https://api.line.me"

// LineClient talks to the LINE Messaging API: webhook signature
// verification, reply-token acknowledgments and push delivery.
type LineClient struct {
	baseURL string
	http    *http.Client
}

func NewLineClient() *LineClient {
	return &LineClient{
		baseURL: lineAPIBase,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewLineClientWithBaseURL is used by tests to point at a stub server.
func NewLineClientWithBaseURL(baseURL string) *LineClient {
	c := NewLineClient()
	c.baseURL = baseURL
	return c
}

// VerifySignature checks the X-Line-Signature header: base64 of the
// HMAC-SHA256 of the raw request body keyed by the channel secret.
func (c *LineClient) VerifySignature(channelSecret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type lineTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reply sends the immediate acknowledgment through the single-use
// reply token. Tokens expire, so failures here are expected and
// returned for logging only.
func (c *LineClient) Reply(ctx context.Context, accessToken, replyToken, text string) error {
	payload := map[string]interface{}{
		"replyToken": replyToken,
		"messages":   []lineTextMessage{{Type: "text", Text: text}},
	}
	return c.post(ctx, "/v2/bot/message/reply", accessToken, payload)
}

// Push sends a message to a customer. It implements the delivery
// gateway contract: transport failures are logged and reported as
// false, never raised.
func (c *LineClient) Push(ctx context.Context, creds entities.Credentials, customerID, text string) bool {
	payload := map[string]interface{}{
		"to":       customerID,
		"messages": []lineTextMessage{{Type: "text", Text: text}},
	}
	if err := c.post(ctx, "/v2/bot/message/push", creds.Token, payload); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("LINE push failed")
		return false
	}
	return true
}

func (c *LineClient) post(ctx context.Context, path, accessToken string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("LINE API %s: status %d: %s", path, resp.StatusCode, body)
	}
	return nil
}

// LineWebhookEvent is one event of a LINE webhook request body.
type LineWebhookEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// LineWebhookBody is the decoded LINE webhook request body.
type LineWebhookBody struct {
	Events []LineWebhookEvent `json:"events"`
}
