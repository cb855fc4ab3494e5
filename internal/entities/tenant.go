package entities

import "time"

// Messaging platforms a tenant can be registered on.
const (
	PlatformLine     = "line"
	PlatformTelegram = "telegram"
)

// Tenant is one store/business served by the shared deployment.
type Tenant struct {
	ID               string    `json:"tenant_id"`
	DisplayName      string    `json:"display_name"`
	Platform         string    `json:"platform"`
	AutoReplyEnabled bool      `json:"auto_reply_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// Credentials are a tenant's messaging-platform secrets. For LINE the
// secret is the channel secret and the token the channel access token;
// for Telegram the secret is the webhook secret token and the token
// the bot token.
type Credentials struct {
	Secret string `json:"-"`
	Token  string `json:"-"`
}
