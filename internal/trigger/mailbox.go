package trigger

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// MailboxItem is one unread item a MailboxClient surfaces for a trigger's
// polling cycle, already filtered to whatever predicate the provider
// implementation applies.
type MailboxItem struct {
	ProviderMessageID string
	Payload           json.RawMessage
}

// MailboxClient fetches new items for one trigger's mailbox, using the
// token source built from the tenant's stored OAuth credential. Provider
// specifics (Gmail, IMAP, etc.) are supplied by the caller; the adapter
// itself only owns polling cadence, token refresh, and dedup.
type MailboxClient interface {
	FetchUnread(ctx context.Context, trig *store.Trigger, ts oauth2.TokenSource) ([]MailboxItem, error)
}

// mailboxCredential is the JSON shape stored, encrypted, in the
// CredentialStore under service name "mailbox:<trigger_id>".
type mailboxCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	TokenURL     string    `json:"token_url"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
}

// dedupRing is a bounded, insertion-ordered set of provider message IDs,
// used to suppress re-firing on an item already seen in a prior poll
// (spec §4.4 "dedup by provider message ID, bounded cache default 100").
type dedupRing struct {
	cap   int
	order *list.List
	seen  map[string]*list.Element
}

func newDedupRing(cap int) *dedupRing {
	if cap <= 0 {
		cap = 100
	}
	return &dedupRing{cap: cap, order: list.New(), seen: map[string]*list.Element{}}
}

func (d *dedupRing) seenBefore(id string) bool {
	if _, ok := d.seen[id]; ok {
		return true
	}
	el := d.order.PushBack(id)
	d.seen[id] = el
	if d.order.Len() > d.cap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}

// MailboxAdapter polls every active event-type (mailbox) trigger on a
// fixed interval, refreshing each tenant's OAuth token transparently and
// deduplicating by provider message ID across polls.
type MailboxAdapter struct {
	triggers    store.TriggerStore
	credentials store.CredentialStore
	decrypt     func(ciphertext []byte) (string, error)
	client      MailboxClient
	interval    time.Duration
	dedupSize   int

	onEvent func(Event)

	mu    sync.Mutex
	rings map[uuid.UUID]*dedupRing

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMailboxAdapter(triggers store.TriggerStore, credentials store.CredentialStore, decrypt func([]byte) (string, error), client MailboxClient, interval time.Duration, dedupSize int) *MailboxAdapter {
	return &MailboxAdapter{
		triggers:    triggers,
		credentials: credentials,
		decrypt:     decrypt,
		client:      client,
		interval:    interval,
		dedupSize:   dedupSize,
		rings:       map[uuid.UUID]*dedupRing{},
	}
}

func (m *MailboxAdapter) OnEvent(callback func(Event)) { m.onEvent = callback }

func (m *MailboxAdapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.pollOnce(runCtx)
			}
		}
	}()
	return nil
}

func (m *MailboxAdapter) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MailboxAdapter) pollOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := m.triggers.ListDue(ctx, store.TriggerTypeEvent, now)
	if err != nil {
		slog.Error("trigger: mailbox poll failed to list due triggers", "error", err)
		return
	}

	for _, trig := range due {
		if err := m.pollOne(ctx, trig, now); err != nil {
			slog.Error("trigger: mailbox poll failed for trigger", "trigger_id", trig.ID, "error", err)
		}
	}
}

func (m *MailboxAdapter) pollOne(ctx context.Context, trig *store.Trigger, now time.Time) error {
	ts, err := m.tokenSource(ctx, trig)
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}

	items, err := m.client.FetchUnread(ctx, trig, ts)
	if err != nil {
		return fmt.Errorf("fetch unread: %w", err)
	}

	m.mu.Lock()
	ring, ok := m.rings[trig.ID]
	if !ok {
		ring = newDedupRing(m.dedupSize)
		m.rings[trig.ID] = ring
	}
	m.mu.Unlock()

	for _, item := range items {
		if ring.seenBefore(item.ProviderMessageID) {
			continue
		}
		if m.onEvent != nil {
			m.onEvent(Event{TriggerID: trig.ID, TenantID: trig.TenantID, UserID: trig.UserID, Payload: item.Payload})
		}
	}

	return m.triggers.AdvanceCheck(ctx, trig.ID, now.Add(m.interval))
}

// tokenSource builds an oauth2.TokenSource backed by the tenant's stored
// mailbox credential, refreshing transparently when the access token is
// near expiry. The refreshed token is not persisted back automatically;
// callers needing that should wrap the returned source with
// oauth2.ReuseTokenSource and a credential-saving round tripper.
func (m *MailboxAdapter) tokenSource(ctx context.Context, trig *store.Trigger) (oauth2.TokenSource, error) {
	cred, err := m.credentials.Get(ctx, trig.TenantID, fmt.Sprintf("mailbox:%s", trig.ID))
	if err != nil {
		return nil, fmt.Errorf("load mailbox credential: %w", err)
	}

	plain, err := m.decrypt(cred.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("decrypt mailbox credential: %w", err)
	}

	var mc mailboxCredential
	if err := json.Unmarshal([]byte(plain), &mc); err != nil {
		return nil, fmt.Errorf("parse mailbox credential: %w", err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     mc.ClientID,
		ClientSecret: mc.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: mc.TokenURL},
	}
	tok := &oauth2.Token{
		AccessToken:  mc.AccessToken,
		RefreshToken: mc.RefreshToken,
		Expiry:       mc.Expiry,
	}

	return oauth2.ReuseTokenSource(tok, oauthCfg.TokenSource(ctx, tok)), nil
}
