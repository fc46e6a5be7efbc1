// Package whatsapp implements the WhatsApp transport for the Messaging
// Channel Resolver over a WebSocket bridge process (e.g. a whatsapp-web.js
// companion) that speaks the real WhatsApp protocol on our behalf.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/tenantflow/internal/bus"
	"github.com/nextlevelbuilder/tenantflow/internal/channels"
	"github.com/nextlevelbuilder/tenantflow/internal/errors"
)

// Config holds the per-tenant settings needed to reach a WhatsApp bridge.
type Config struct {
	BridgeURL string
	AllowFrom []string
	SendTimeout time.Duration
}

// Channel connects to a WhatsApp bridge via WebSocket. The bridge handles
// the actual WhatsApp protocol; this channel sends/receives JSON frames
// over that single connection.
type Channel struct {
	*channels.BaseChannel
	tenantID string
	cfg      Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan sendAck // correlation id -> ack channel

	ctx    context.Context
	cancel context.CancelFunc
}

type sendAck struct {
	externalID string
	err        string
}

// New creates a WhatsApp channel bound to tenantID from cfg.
func New(tenantID string, cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		tenantID:    tenantID,
		cfg:         cfg,
		pending:     make(map[string]chan sendAck),
	}, nil
}

// Start connects to the WhatsApp bridge and begins the read loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "tenant_id", c.tenantID, "bridge_url", c.cfg.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "tenant_id", c.tenantID, "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and halts the read loop.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel", "tenant_id", c.tenantID)

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.SetRunning(false)
	return nil
}

// Send delivers msg to the bridge and waits (bounded by cfg.SendTimeout) for
// the bridge's ack frame carrying the provider-assigned message id.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", errors.Transport("whatsapp bridge not connected")
	}

	correlationID := fmt.Sprintf("%s-%d", msg.ChatID, time.Now().UnixNano())
	ack := make(chan sendAck, 1)
	c.mu.Lock()
	c.pending[correlationID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]interface{}{
		"type":    "message",
		"id":      correlationID,
		"to":      msg.ChatID,
		"content": msg.Content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err != nil {
		return "", errors.Transport("send whatsapp message: %v", err)
	}

	select {
	case a := <-ack:
		if a.err != "" {
			return "", errors.Transport("whatsapp bridge rejected message: %s", a.err)
		}
		return a.externalID, nil
	case <-time.After(c.cfg.SendTimeout):
		return "", errors.Transport("whatsapp bridge ack timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Channel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "tenant_id", c.tenantID, "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge, reconnecting with capped
// exponential backoff whenever the connection drops.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "tenant_id", c.tenantID, "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "tenant_id", c.tenantID, "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "tenant_id", c.tenantID, "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var frame map[string]interface{}
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "tenant_id", c.tenantID, "error", err)
			continue
		}

		switch frameType, _ := frame["type"].(string); frameType {
		case "message":
			c.handleIncomingMessage(frame)
		case "ack":
			c.handleAck(frame)
		}
	}
}

func (c *Channel) handleAck(frame map[string]interface{}) {
	correlationID, _ := frame["id"].(string)
	if correlationID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	externalID, _ := frame["external_message_id"].(string)
	errMsg, _ := frame["error"].(string)
	ch <- sendAck{externalID: externalID, err: errMsg}
}

// handleIncomingMessage processes a message frame from the bridge. Expected
// shape: {"type":"message","from":"...","chat":"...","content":"...","id":"...","media":[...]}
func (c *Channel) handleIncomingMessage(msg map[string]interface{}) {
	senderID, ok := msg["from"].(string)
	if !ok || senderID == "" {
		return
	}

	chatID, _ := msg["chat"].(string)
	if chatID == "" {
		chatID = senderID
	}

	peerKind := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = "group"
	}

	if !c.IsAllowed(senderID) {
		slog.Debug("whatsapp message rejected by allowlist", "tenant_id", c.tenantID, "sender_id", senderID)
		return
	}

	content, _ := msg["content"].(string)

	var media []string
	if mediaData, ok := msg["media"].([]interface{}); ok {
		for _, m := range mediaData {
			if path, ok := m.(string); ok {
				media = append(media, path)
			}
		}
	}

	metadata := make(map[string]string)
	if messageID, ok := msg["id"].(string); ok {
		metadata["message_id"] = messageID
	}

	slog.Debug("whatsapp message received",
		"tenant_id", c.tenantID,
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(c.tenantID, senderID, chatID, content, media, metadata, peerKind)
}
