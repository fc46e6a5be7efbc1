package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// WebhookAdapter has no polling loop of its own: the gateway's HTTP
// handler calls Handle synchronously on each authenticated POST, and the
// adapter turns it straight into an Event. Start/Stop are no-ops so it
// satisfies Adapter uniformly alongside the polling variants.
type WebhookAdapter struct {
	triggers store.TriggerStore
	onEvent  func(Event)
}

func NewWebhookAdapter(triggers store.TriggerStore) *WebhookAdapter {
	return &WebhookAdapter{triggers: triggers}
}

func (w *WebhookAdapter) Start(ctx context.Context) error { return nil }
func (w *WebhookAdapter) Stop(ctx context.Context) error  { return nil }

func (w *WebhookAdapter) OnEvent(callback func(Event)) { w.onEvent = callback }

// Handle is called by the gateway's webhook route once the request has
// passed its per-channel authentication check. It loads the trigger to
// resolve tenant/user for the Event and fires immediately; cooldown is
// enforced downstream by the Evaluator, not here.
func (w *WebhookAdapter) Handle(ctx context.Context, triggerID uuid.UUID, payload json.RawMessage) error {
	trig, err := w.triggers.Get(ctx, triggerID)
	if err != nil {
		return fmt.Errorf("trigger: webhook lookup: %w", err)
	}
	if trig.TriggerType != store.TriggerTypeWebhook {
		return fmt.Errorf("trigger: %s is not a webhook trigger", triggerID)
	}
	if w.onEvent != nil {
		w.onEvent(Event{TriggerID: trig.ID, TenantID: trig.TenantID, UserID: trig.UserID, Payload: payload})
	}
	return nil
}
