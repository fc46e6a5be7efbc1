package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/tenantflow/internal/bus"
	"github.com/nextlevelbuilder/tenantflow/internal/config"
)

// Manager owns the registered channel transports and the outbound dispatch
// loop that drains bus.OutboundMessage and hands each to the channel named
// in msg.Channel.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus

	rateLimit  rate.Limit
	rateBurst  int
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	mu           sync.RWMutex
	dispatchStop context.CancelFunc
}

// NewManager creates a channel manager. Channels are registered externally
// via RegisterChannel before StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return NewManagerWithRateLimit(msgBus, config.ChannelsConfig{})
}

// NewManagerWithRateLimit creates a channel manager honoring cfg's per-channel
// outbound send rate (spec §4.6's transport envelope, capped upstream of
// each transport's own retry-with-backoff).
func NewManagerWithRateLimit(msgBus *bus.MessageBus, cfg config.ChannelsConfig) *Manager {
	return &Manager{
		channels:  make(map[string]Channel),
		bus:       msgBus,
		rateLimit: cfg.SendLimit(),
		rateBurst: cfg.SendBurstSize(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the rate.Limiter gating outbound sends on the named
// channel, creating it on first use. Each registered channel gets its own
// limiter so one tenant's bursty channel can't starve another's.
func (m *Manager) limiterFor(name string) *rate.Limiter {
	m.limitersMu.Lock()
	defer m.limitersMu.Unlock()
	lim, ok := m.limiters[name]
	if !ok {
		lim = rate.NewLimiter(m.rateLimit, m.rateBurst)
		m.limiters[name] = lim
	}
	return lim
}

// RegisterChannel adds a channel under name, replacing any existing
// registration.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// EnabledChannels returns the names of all registered channels.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status reports the running state of every registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// StartAll starts every registered channel and the outbound dispatch loop.
// The dispatcher runs even with zero channels registered, since channels
// may be registered afterward.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchStop = cancel
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(channels) == 0 {
		slog.Warn("no channels registered")
		return nil
	}

	for name, ch := range channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the outbound dispatch loop and every registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatchStop != nil {
		m.dispatchStop()
		m.dispatchStop = nil
	}
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	for name, ch := range channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound drains the bus and routes each message to its named
// channel, logging the returned external message ID at debug level.
// Internal channels (see IsInternalChannel) are dropped without delivery.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	defer slog.Info("outbound dispatcher stopped")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel, "tenant_id", msg.TenantID)
			continue
		}

		if err := m.limiterFor(msg.Channel).Wait(ctx); err != nil {
			slog.Warn("outbound rate limit wait aborted", "channel", msg.Channel, "error", err)
			continue
		}

		externalID, err := sendWithRetry(ctx, ch, msg)
		if err != nil {
			slog.Error("failed to send outbound message",
				"channel", msg.Channel, "tenant_id", msg.TenantID, "error", err)
			continue
		}
		slog.Debug("sent outbound message",
			"channel", msg.Channel, "tenant_id", msg.TenantID, "external_message_id", externalID)
	}
}

// SendToChannel delivers content to chatID via the named channel directly,
// bypassing the outbound bus, and returns the transport's external message
// ID. Used by callers that need that ID synchronously.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) (string, error) {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("channel %s not registered", channelName)
	}

	if err := m.limiterFor(channelName).Wait(ctx); err != nil {
		return "", err
	}

	return sendWithRetry(ctx, ch, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
