package infrastructure

import (
	"context"
	"crypto/subtle"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"saleschat/internal/entities"
)

// TelegramGateway delivers messages through the Telegram Bot API for
// tenants registered on that platform. The tenant's access token is
// the bot token, so a fresh bot handle is built per push.
type TelegramGateway struct{}

func NewTelegramGateway() *TelegramGateway {
	return &TelegramGateway{}
}

// VerifySecretToken checks the X-Telegram-Bot-Api-Secret-Token header
// against the tenant's webhook secret.
func (g *TelegramGateway) VerifySecretToken(secret, header string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(header)) == 1
}

func (g *TelegramGateway) Push(ctx context.Context, creds entities.Credentials, customerID, text string) bool {
	bot, err := tgbotapi.NewBotAPI(creds.Token)
	if err != nil {
		log.Warn().Err(err).Msg("telegram bot init failed")
		return false
	}

	chatID, err := strconv.ParseInt(customerID, 10, 64)
	if err != nil {
		log.Warn().Str("customer_id", customerID).Msg("telegram customer id is not a chat id")
		return false
	}

	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("telegram send failed")
		return false
	}
	return true
}
