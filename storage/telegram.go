package storage

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cvandeplas/pystemon"
)

// TelegramConfig configures TelegramStorage.
type TelegramConfig struct {
	Name    string
	Token   string
	ChatIDs []int64
}

// TelegramStorage sends a formatted alert message for every matched pastie
// to each configured chat. It is save-only: Lookup always reports false.
//
// Grounded on pystemon/storage/telegramstorage.py's TelegramStorage.
type TelegramStorage struct {
	name    string
	bot     *tgbotapi.BotAPI
	chatIDs []int64
}

// NewTelegramStorage constructs a bot client for token.
func NewTelegramStorage(cfg TelegramConfig) (*TelegramStorage, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegramstorage: %w", err)
	}
	return &TelegramStorage{name: cfg.Name, bot: bot, chatIDs: cfg.ChatIDs}, nil
}

func (t *TelegramStorage) Name() string { return t.name }
func (t *TelegramStorage) Lookup() bool { return false }

func (t *TelegramStorage) Save(ctx context.Context, p *pystemon.Pastie) error {
	if !p.Matched {
		return nil
	}
	text := fmt.Sprintf("pystemon match on %s: %s\nmatches: %s\nurl: %s",
		p.Site.Name, p.ID, p.MatchesToText(), p.PublicURL)

	var firstErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TelegramStorage) Seen(ctx context.Context, site, id string) (bool, error) {
	return false, nil
}
