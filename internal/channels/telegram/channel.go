// Package telegram implements the Telegram transport for the Messaging
// Channel Resolver using long polling against the Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/tenantflow/internal/bus"
	"github.com/nextlevelbuilder/tenantflow/internal/channels"
)

// Config holds the per-tenant settings needed to run a Telegram bot.
type Config struct {
	Token     string
	Proxy     string
	AllowFrom []string
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	tenantID   string
	bot        *telego.Bot
	cfg        Config
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel bound to tenantID from cfg.
func New(tenantID string, cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		tenantID:    tenantID,
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot", "tenant_id", c.tenantID)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "tenant_id", c.tenantID, "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed", "tenant_id", c.tenantID)
					return
				}
				if update.Message == nil {
					continue
				}
				c.handleMessage(update.Message)
			}
		}
	}()

	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	senderID := ""
	if msg.From != nil {
		senderID = fmt.Sprintf("%d", msg.From.ID)
	}
	chatID := fmt.Sprintf("%d", msg.Chat.ID)

	peerKind := "dm"
	if msg.Chat.Type != telego.ChatTypePrivate {
		peerKind = "group"
	}

	var media []string
	if len(msg.Photo) > 0 {
		media = append(media, msg.Photo[len(msg.Photo)-1].FileID)
	}
	if msg.Voice != nil {
		media = append(media, msg.Voice.FileID)
	}
	if msg.Document != nil {
		media = append(media, msg.Document.FileID)
	}

	c.HandleMessage(c.tenantID, senderID, chatID, msg.Text, media, nil, peerKind)
}

// Send delivers text (and any media URLs) to chatID and returns the
// Telegram message ID of the send as the external message ID.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("parse telegram chat id %q: %w", msg.ChatID, err)
	}

	sent, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   msg.Content,
	})
	if err != nil {
		return "", fmt.Errorf("telegram send message: %w", err)
	}

	for _, m := range msg.Media {
		if _, err := c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID:  telego.ChatID{ID: chatID},
			Photo:   telego.InputFile{URL: m.URL},
			Caption: m.Caption,
		}); err != nil {
			slog.Warn("telegram media send failed", "tenant_id", c.tenantID, "error", err)
		}
	}

	return fmt.Sprintf("%d", sent.MessageID), nil
}

// Stop cancels long polling and waits for the update loop to exit so
// Telegram releases the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot", "tenant_id", c.tenantID)
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout", "tenant_id", c.tenantID)
		}
	}
	return nil
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
