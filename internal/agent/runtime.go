// Package agent is the glue stitching the Conversation Session Manager,
// CLI Session Store, Tenant Tool Runtime, and Messaging Channel Resolver
// together for three entry points: an inbound user message, a due
// scheduled task, and a trigger fire (spec §4.8). It is the sole
// implementer of scheduler.Dispatcher and trigger.Dispatcher, keeping
// those packages free of any dependency on this one.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/bootstrap"
	"github.com/nextlevelbuilder/tenantflow/internal/bus"
	"github.com/nextlevelbuilder/tenantflow/internal/channels"
	"github.com/nextlevelbuilder/tenantflow/internal/cli"
	"github.com/nextlevelbuilder/tenantflow/internal/sessions"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// CampaignStateFn returns an opaque campaign-state snapshot for a
// (tenant, sender) pair, produced by a collaborator outside the core
// (spec §4.8, §6). A nil func yields an empty snapshot.
type CampaignStateFn func(ctx context.Context, tenantID uuid.UUID, senderID string) (string, error)

const defaultReflectionPrompt = "The conversation window is closing. In one or two sentences, note anything worth remembering for next time, then stop."

// Runtime wires the conversation, CLI, and delivery layers into the three
// entry points named by spec §4.8.
type Runtime struct {
	tenants  store.TenantStore
	messages store.MessageStore
	sessions *sessions.Manager
	cliStore *cli.Store
	router   bus.MessageRouter

	tenantsRoot      string
	reflectionPrompt string
	campaignState    CampaignStateFn
	onBootstrap      func(tenantID uuid.UUID)

	bootstrapped sync.Map // uuid.UUID -> struct{}
}

// New builds a Runtime. campaignState may be nil.
func New(tenants store.TenantStore, messages store.MessageStore, sessMgr *sessions.Manager, cliStore *cli.Store, router bus.MessageRouter, tenantsRoot string, campaignState CampaignStateFn) *Runtime {
	return &Runtime{
		tenants:          tenants,
		messages:         messages,
		sessions:         sessMgr,
		cliStore:         cliStore,
		router:           router,
		tenantsRoot:      tenantsRoot,
		reflectionPrompt: defaultReflectionPrompt,
		campaignState:    campaignState,
	}
}

// OnBootstrap registers a callback fired the first time (per process) a
// tenant's workspace is seeded, e.g. so the Tenant Tool Runtime's manifest
// watcher can start watching the tenant's newly-guaranteed tools
// directory. Returns the Runtime for chaining at construction time.
func (r *Runtime) OnBootstrap(fn func(tenantID uuid.UUID)) *Runtime {
	r.onBootstrap = fn
	return r
}

// workspaceDir returns tenants/<id> under the configured root.
func (r *Runtime) workspaceDir(tenantID uuid.UUID) string {
	return filepath.Join(r.tenantsRoot, tenantID.String())
}

// ensureBootstrap seeds a tenant's workspace at most once per process,
// cached in-memory so a hot conversation path never restats the
// filesystem after the first message (spec §4.8 "idempotent, cached per
// process").
func (r *Runtime) ensureBootstrap(tenantID uuid.UUID) error {
	if _, done := r.bootstrapped.Load(tenantID); done {
		return nil
	}
	if _, err := bootstrap.EnsureWorkspace(r.workspaceDir(tenantID)); err != nil {
		return fmt.Errorf("agent: bootstrap tenant %s: %w", tenantID, err)
	}
	r.bootstrapped.Store(tenantID, struct{}{})
	if r.onBootstrap != nil {
		r.onBootstrap(tenantID)
	}
	return nil
}

// buildContextPrefix assembles the small opaque-string preamble every
// prompt is prefixed with (spec §4.8).
func (r *Runtime) buildContextPrefix(ctx context.Context, tenant *store.Tenant, senderID string) string {
	var b strings.Builder
	if tenant.OnboardingPhase != "" {
		fmt.Fprintf(&b, "[onboarding_phase=%s]\n", tenant.OnboardingPhase)
	}
	if r.campaignState != nil {
		state, err := r.campaignState(ctx, tenant.ID, senderID)
		if err != nil {
			slog.Warn("agent: campaign state lookup failed", "tenant_id", tenant.ID, "error", err)
		} else if state != "" {
			fmt.Fprintf(&b, "[campaign_state=%s]\n", state)
		}
	}
	return b.String()
}

// buildTaskPrompt assembles a scheduled task's injected prompt: a
// task_type tag, the stored prompt, and — for recurring tasks — the
// accumulated previous_outputs appended for continuity (spec §4.3 "for
// recurring tasks — the stored previous_outputs appended to the prompt
// for continuity").
func buildTaskPrompt(task *store.ScheduledTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[task_type=%s]\n", task.TaskType)
	b.WriteString(task.TaskPrompt)
	if !task.IsOneTime && len(task.PreviousOutputs) > 0 {
		b.WriteString("\n\n[previous_outputs]\n")
		for i, out := range task.PreviousOutputs {
			fmt.Fprintf(&b, "%d. %s\n", i+1, out)
		}
	}
	return b.String()
}

// HandleInbound is the entry point for every message arriving through a
// channel adapter (spec §4.8). Errors are returned for the caller (the
// bus-drain loop) to log; no panics escape.
func (r *Runtime) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	tenantID, err := uuid.Parse(msg.TenantID)
	if err != nil {
		return fmt.Errorf("agent: invalid tenant id %q: %w", msg.TenantID, err)
	}

	tenant, err := r.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("agent: load tenant %s: %w", tenantID, err)
	}

	if err := r.ensureBootstrap(tenantID); err != nil {
		return err
	}

	content := strings.TrimSpace(msg.Content)

	if cmd, ok := parseCommand(content); ok {
		return r.handleCommand(ctx, tenant, msg, cmd)
	}

	return r.handleConversation(ctx, tenant, msg, content)
}

// handleConversation runs the common path: get-or-create the session,
// reflect on any idle-expired predecessor, inject the prefixed prompt,
// and deliver + record the response.
func (r *Runtime) handleConversation(ctx context.Context, tenant *store.Tenant, msg bus.InboundMessage, content string) error {
	hadLiveChild := r.cliStore.Has(tenant.ID, msg.SenderID)

	sess, isNew, err := r.sessions.GetOrCreate(ctx, tenant.ID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("agent: get-or-create session: %w", err)
	}

	if isNew && hadLiveChild {
		r.reflectAndClose(ctx, tenant.ID, msg.SenderID)
	}

	if err := r.cliStore.Ensure(tenant.ID, msg.SenderID, r.workspaceDir(tenant.ID)); err != nil {
		return fmt.Errorf("agent: ensure cli session: %w", err)
	}

	if err := r.recordMessage(ctx, tenant.ID, msg.SenderID, sess.ID, store.DirectionInbound, msg.Content, msg.Metadata["message_id"]); err != nil {
		slog.Error("agent: failed to record inbound message", "tenant_id", tenant.ID, "error", err)
	}

	prefix := r.buildContextPrefix(ctx, tenant, msg.SenderID)
	response, err := r.cliStore.Inject(ctx, tenant.ID, msg.SenderID, prefix+content)
	if err != nil {
		return fmt.Errorf("agent: cli injection: %w", err)
	}

	if err := r.sessions.Touch(ctx, sess.ID); err != nil {
		slog.Warn("agent: failed to touch session", "session_id", sess.ID, "error", err)
	}

	if err := r.recordMessage(ctx, tenant.ID, msg.SenderID, sess.ID, store.DirectionOutbound, response, ""); err != nil {
		slog.Error("agent: failed to record outbound message", "tenant_id", tenant.ID, "error", err)
	}

	r.deliver(tenant, msg.ChatID, response)
	r.logTimeline(tenant.ID, msg.SenderID, "inbound", content, response)

	return nil
}

// reflectAndClose fires the reflection hook against the still-live CLI
// child left over from a session the database just decided was stale,
// then tears it down. Failures are logged and swallowed (spec §4.8).
func (r *Runtime) reflectAndClose(ctx context.Context, tenantID uuid.UUID, senderID string) {
	reflectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := r.cliStore.Inject(reflectCtx, tenantID, senderID, r.reflectionPrompt); err != nil {
		slog.Warn("agent: reflection hook failed", "tenant_id", tenantID, "sender_id", senderID, "error", err)
	}
	if err := r.cliStore.Close(tenantID, senderID); err != nil {
		slog.Warn("agent: failed to close expired cli session", "tenant_id", tenantID, "sender_id", senderID, "error", err)
	}
}

func (r *Runtime) recordMessage(ctx context.Context, tenantID uuid.UUID, senderID string, sessionID uuid.UUID, dir store.MessageDirection, content, externalID string) error {
	return r.messages.Insert(ctx, &store.Message{
		ID:         uuid.New(),
		TenantID:   tenantID,
		SenderID:   senderID,
		SessionID:  sessionID,
		ExternalID: externalID,
		Direction:  dir,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	})
}

// deliver publishes content for the tenant's channel on the outbound
// router. It does nothing when the Runtime has no router.
func (r *Runtime) deliver(tenant *store.Tenant, chatID, content string) {
	if r.router == nil {
		return
	}
	r.router.PublishOutbound(bus.OutboundMessage{
		TenantID: tenant.ID.String(),
		Channel:  channels.Key(string(tenant.Channel), tenant.ID.String()),
		ChatID:   chatID,
		Content:  content,
	})
}

// RunScheduledTask satisfies scheduler.Dispatcher: it runs a due task
// inside the owning user's conversation session, exactly as an inbound
// message would, then delivers the result.
func (r *Runtime) RunScheduledTask(ctx context.Context, task *store.ScheduledTask) (string, error) {
	tenant, err := r.tenants.Get(ctx, task.TenantID)
	if err != nil {
		return "", fmt.Errorf("agent: load tenant %s: %w", task.TenantID, err)
	}
	if err := r.ensureBootstrap(tenant.ID); err != nil {
		return "", err
	}

	sess, _, err := r.sessions.GetOrCreate(ctx, tenant.ID, task.UserID)
	if err != nil {
		return "", fmt.Errorf("agent: get-or-create session for task %s: %w", task.ID, err)
	}
	if err := r.cliStore.Ensure(tenant.ID, task.UserID, r.workspaceDir(tenant.ID)); err != nil {
		return "", fmt.Errorf("agent: ensure cli session for task %s: %w", task.ID, err)
	}

	prefix := r.buildContextPrefix(ctx, tenant, task.UserID)
	response, err := r.cliStore.Inject(ctx, tenant.ID, task.UserID, prefix+buildTaskPrompt(task))
	if err != nil {
		return "", fmt.Errorf("agent: cli injection for task %s: %w", task.ID, err)
	}

	if err := r.sessions.Touch(ctx, sess.ID); err != nil {
		slog.Warn("agent: failed to touch session for task", "task_id", task.ID, "error", err)
	}
	if err := r.recordMessage(ctx, tenant.ID, task.UserID, sess.ID, store.DirectionOutbound, response, ""); err != nil {
		slog.Error("agent: failed to record task output", "task_id", task.ID, "error", err)
	}

	r.deliver(tenant, tenant.RecipientID, response)
	r.logTimeline(tenant.ID, task.UserID, "scheduled_task", task.TaskPrompt, response)

	return response, nil
}

// RunTriggerFire satisfies trigger.Dispatcher: it runs a fired trigger
// inside the owning user's conversation session and delivers the result.
func (r *Runtime) RunTriggerFire(ctx context.Context, trig *store.Trigger, payload json.RawMessage) error {
	tenant, err := r.tenants.Get(ctx, trig.TenantID)
	if err != nil {
		return fmt.Errorf("agent: load tenant %s: %w", trig.TenantID, err)
	}
	if err := r.ensureBootstrap(tenant.ID); err != nil {
		return err
	}

	sess, _, err := r.sessions.GetOrCreate(ctx, tenant.ID, trig.UserID)
	if err != nil {
		return fmt.Errorf("agent: get-or-create session for trigger %s: %w", trig.ID, err)
	}
	if err := r.cliStore.Ensure(tenant.ID, trig.UserID, r.workspaceDir(tenant.ID)); err != nil {
		return fmt.Errorf("agent: ensure cli session for trigger %s: %w", trig.ID, err)
	}

	prompt := trig.TaskPrompt
	if len(payload) > 0 {
		prompt = fmt.Sprintf("%s\n\n[trigger_payload]\n%s", prompt, string(payload))
	}

	prefix := r.buildContextPrefix(ctx, tenant, trig.UserID)
	response, err := r.cliStore.Inject(ctx, tenant.ID, trig.UserID, prefix+prompt)
	if err != nil {
		return fmt.Errorf("agent: cli injection for trigger %s: %w", trig.ID, err)
	}

	if err := r.sessions.Touch(ctx, sess.ID); err != nil {
		slog.Warn("agent: failed to touch session for trigger", "trigger_id", trig.ID, "error", err)
	}
	if err := r.recordMessage(ctx, tenant.ID, trig.UserID, sess.ID, store.DirectionOutbound, response, ""); err != nil {
		slog.Error("agent: failed to record trigger output", "trigger_id", trig.ID, "error", err)
	}

	r.deliver(tenant, tenant.RecipientID, response)
	r.logTimeline(tenant.ID, trig.UserID, "trigger", trig.TaskPrompt, response)

	return nil
}

// Drain runs HandleInbound for every message the router surfaces until
// ctx is done, logging (never panicking on) handler errors. It is the
// loop a caller runs in its own goroutine to connect the bus to this
// Runtime.
func (r *Runtime) Drain(ctx context.Context) {
	for {
		msg, ok := r.router.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := r.HandleInbound(ctx, msg); err != nil {
			slog.Error("agent: inbound handling failed", "tenant_id", msg.TenantID, "sender_id", msg.SenderID, "error", err)
		}
	}
}
