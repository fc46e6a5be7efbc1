package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/bus"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// command identifies one of the bypass commands spec §4.8 names: these
// never reach the agent CLI, acting directly on the session/CLI layer
// instead.
type command string

const (
	commandReset     command = "reset"
	commandNew       command = "new"
	commandReonboard command = "reonboard"
	commandCancel    command = "cancel"
)

// parseCommand recognizes a leading "/word" as a bypass command. Anything
// else, including a bare "/" or an unrecognized word, is treated as
// ordinary conversation content so a stray slash in a user's message
// never gets swallowed.
func parseCommand(content string) (command, bool) {
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	word := strings.ToLower(strings.Fields(content)[0][1:])
	switch command(word) {
	case commandReset, commandNew, commandReonboard, commandCancel:
		return command(word), true
	default:
		return "", false
	}
}

// handleCommand runs one bypass command and replies with a short
// confirmation on the originating channel.
func (r *Runtime) handleCommand(ctx context.Context, tenant *store.Tenant, msg bus.InboundMessage, cmd command) error {
	switch cmd {
	case commandCancel:
		r.cliStore.Cancel(tenant.ID, msg.SenderID)
		r.deliver(tenant, msg.ChatID, "Cancelled.")
		return nil

	case commandReset, commandNew:
		r.endSession(ctx, tenant.ID, msg.SenderID)
		reply := "Session reset."
		if cmd == commandNew {
			reply = "Starting a new session."
			if err := r.cliStore.Ensure(tenant.ID, msg.SenderID, r.workspaceDir(tenant.ID)); err != nil {
				slog.Error("agent: failed to pre-spawn cli session for /new", "tenant_id", tenant.ID, "error", err)
			}
		}
		r.deliver(tenant, msg.ChatID, reply)
		return nil

	case commandReonboard:
		r.endSession(ctx, tenant.ID, msg.SenderID)
		if err := r.tenants.UpdateOnboardingPhase(ctx, tenant.ID, ""); err != nil {
			return err
		}
		r.deliver(tenant, msg.ChatID, "Onboarding restarted.")
		return nil

	default:
		return nil
	}
}

// endSession fires the reflection hook against the live CLI session (if
// any), tears it down, and ends the conversation session row, per the
// explicit-reset path of spec §4.8's end-of-conversation reflection rule.
func (r *Runtime) endSession(ctx context.Context, tenantID uuid.UUID, senderID string) {
	if r.cliStore.Has(tenantID, senderID) {
		r.reflectAndClose(ctx, tenantID, senderID)
	}

	sess, _, err := r.sessions.GetOrCreate(ctx, tenantID, senderID)
	if err != nil {
		slog.Warn("agent: failed to resolve session to end", "tenant_id", tenantID, "sender_id", senderID, "error", err)
		return
	}
	if err := r.sessions.End(ctx, sess.ID); err != nil {
		slog.Warn("agent: failed to end session", "session_id", sess.ID, "error", err)
	}
}
