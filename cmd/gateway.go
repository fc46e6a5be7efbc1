package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/tenantflow/internal/agent"
	"github.com/nextlevelbuilder/tenantflow/internal/bootstrap"
	"github.com/nextlevelbuilder/tenantflow/internal/browser"
	"github.com/nextlevelbuilder/tenantflow/internal/bus"
	"github.com/nextlevelbuilder/tenantflow/internal/channels"
	"github.com/nextlevelbuilder/tenantflow/internal/channels/telegram"
	"github.com/nextlevelbuilder/tenantflow/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/tenantflow/internal/cli"
	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/crypto"
	tferrors "github.com/nextlevelbuilder/tenantflow/internal/errors"
	"github.com/nextlevelbuilder/tenantflow/internal/gateway"
	"github.com/nextlevelbuilder/tenantflow/internal/metrics"
	"github.com/nextlevelbuilder/tenantflow/internal/scheduler"
	"github.com/nextlevelbuilder/tenantflow/internal/sessions"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
	"github.com/nextlevelbuilder/tenantflow/internal/store/pg"
	"github.com/nextlevelbuilder/tenantflow/internal/tools"
	"github.com/nextlevelbuilder/tenantflow/internal/trigger"
)

// telegramCredential and whatsappCredential are the JSON shapes stored,
// encrypted, under CredentialStore service names "channel:telegram" and
// "channel:whatsapp" for a tenant bound to that transport. A tenant with
// no stored credential falls back to the process-wide config.Channels
// defaults, letting a single-tenant deployment configure its one bot via
// env vars alone.
type telegramCredential struct {
	Token string `json:"token"`
	Proxy string `json:"proxy,omitempty"`
}

type whatsappCredential struct {
	BridgeURL string `json:"bridge_url"`
}

// runGateway wires every package into the running process: config, the
// Postgres-backed stores, the in-process bus, the tenant tool runtime, the
// messaging channel resolver, the scheduler, the trigger evaluator, the
// browser session manager, the agent runtime, and finally the HTTP
// surface. Shutdown tears everything down in the reverse order.
func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	stores, pool, err := pg.Open(ctx, pg.Config{DSN: cfg.Database.DSN})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sealer, err := crypto.NewSealer(cfg.Crypto.Key)
	if err != nil {
		slog.Error("failed to build credentials sealer", "error", err)
		os.Exit(1)
	}

	owner := scheduler.Owner()
	msgBus := bus.New()
	tenantsRoot := cfg.TenantsDir()

	toolRuntime := tools.NewRuntime(
		func(tenantID string) ([]tools.Manifest, error) { return loadToolManifest(tenantsRoot, tenantID) },
		cfg.Tools.Timeout(), cfg.Tools.Concurrency(), cfg.Tools.OutputLimit(), cfg.Tools.ManifestTTL(),
	)

	chanMgr := channels.NewManagerWithRateLimit(msgBus, cfg.Channels)
	sessMgr := sessions.NewManager(stores.Sessions, cfg.Sessions.IdleTimeout(), cfg.Sessions.LeaseTTL())
	cliStore := cli.New(cfg.CLI.Command, cfg.CLI.Args, cfg.CLI.Timeout(), cfg.CLI.Grace()).
		WithToolInvoker(toolInvoker(toolRuntime))
	defer cliStore.CloseAll()

	manifestWatcher, err := tools.NewManifestWatcher(toolRuntime, tenantsRoot)
	if err != nil {
		slog.Error("failed to build tool manifest watcher", "error", err)
		os.Exit(1)
	}
	go manifestWatcher.Run(ctx)

	agentRuntime := agent.New(stores.Tenants, stores.Messages, sessMgr, cliStore, msgBus, tenantsRoot, nil).
		OnBootstrap(func(tenantID uuid.UUID) {
			if err := manifestWatcher.Watch(tenantID.String()); err != nil {
				slog.Warn("failed to watch tenant tool manifest", "tenant_id", tenantID, "error", err)
			}
		})

	sched := scheduler.New(stores.Tasks, stores.Advisory, agentRuntime, cfg.Scheduler, owner)
	sched.Start(ctx)
	defer sched.Stop()

	triggerEval := trigger.New(stores.Triggers, agentRuntime, cfg.Trigger)
	webhookAdapter := trigger.NewWebhookAdapter(stores.Triggers)
	triggerEval.Register(webhookAdapter)
	triggerEval.Register(trigger.NewConditionAdapter(stores.Triggers, stateFileCondition(tenantsRoot), cfg.Trigger.PollInterval()))
	triggerEval.Register(trigger.NewMailboxAdapter(stores.Triggers, stores.Credentials, sealer.Open, noopMailboxClient{}, cfg.Trigger.MailboxPollInterval(), cfg.Trigger.DedupSize()))
	if err := triggerEval.Start(ctx); err != nil {
		slog.Error("failed to start trigger evaluator", "error", err)
		os.Exit(1)
	}
	defer triggerEval.Stop(context.Background())

	browserMgr := browser.New(stores.BrowserSessions, cfg.Browser, owner)
	browserMgr.Start(ctx)
	defer browserMgr.Stop(context.Background())

	if err := watchExistingTenants(ctx, stores.Tenants, manifestWatcher); err != nil {
		slog.Warn("failed to watch existing tenant tool manifests", "error", err)
	}

	if err := registerTenantChannels(ctx, stores.Tenants, stores.Credentials, sealer, cfg, msgBus, chanMgr); err != nil {
		slog.Error("failed to register tenant channels", "error", err)
	}
	if err := chanMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channel manager", "error", err)
	}
	defer chanMgr.StopAll(context.Background())

	go agentRuntime.Drain(ctx)

	reg := metrics.NewRegistry()
	go reportMetrics(ctx, reg, chanMgr, browserMgr, stores.Tenants)

	httpSrv := gateway.NewServer(cfg.HTTP, reg, stores.Triggers, webhookAdapter.Handle, Version)
	if err := httpSrv.Start(ctx); err != nil {
		slog.Error("http server exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway shut down cleanly")
}

// watchExistingTenants points the manifest watcher at every tenant whose
// workspace already exists on disk from a prior process run, so a restart
// doesn't leave already-bootstrapped tenants relying on the TTL alone for
// manifest changes made while this instance was down.
func watchExistingTenants(ctx context.Context, tenants store.TenantStore, watcher *tools.ManifestWatcher) error {
	all, err := tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range all {
		if err := watcher.Watch(tenant.ID.String()); err != nil {
			slog.Debug("tenant workspace not yet bootstrapped, skipping manifest watch", "tenant_id", tenant.ID, "error", err)
		}
	}
	return nil
}

// registerTenantChannels lists every tenant and, for each one bound to a
// messaging channel, builds and registers the transport instance carrying
// that tenant's own credentials (spec §4.6's per-tenant resolver, §6's
// "encryption of stored secrets" as an external collaborator).
func registerTenantChannels(ctx context.Context, tenants store.TenantStore, creds store.CredentialStore, sealer *crypto.Sealer, cfg *config.Config, msgBus *bus.MessageBus, chanMgr *channels.Manager) error {
	all, err := tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	for _, tenant := range all {
		switch tenant.Channel {
		case store.ChannelTelegram:
			if err := registerTelegramTenant(ctx, tenant, creds, sealer, cfg, msgBus, chanMgr); err != nil {
				slog.Error("failed to register telegram channel", "tenant_id", tenant.ID, "error", err)
			}
		case store.ChannelWhatsApp:
			if err := registerWhatsAppTenant(ctx, tenant, creds, sealer, cfg, msgBus, chanMgr); err != nil {
				slog.Error("failed to register whatsapp channel", "tenant_id", tenant.ID, "error", err)
			}
		default:
			slog.Warn("tenant has no recognized channel", "tenant_id", tenant.ID, "channel", tenant.Channel)
		}
	}
	return nil
}

func registerTelegramTenant(ctx context.Context, tenant *store.Tenant, creds store.CredentialStore, sealer *crypto.Sealer, cfg *config.Config, msgBus *bus.MessageBus, chanMgr *channels.Manager) error {
	tcfg := telegram.Config{
		Token:     cfg.Channels.Telegram.Token,
		Proxy:     cfg.Channels.Telegram.Proxy,
		AllowFrom: cfg.Channels.Telegram.AllowFrom,
	}

	if cred, err := creds.Get(ctx, tenant.ID, "channel:telegram"); err == nil {
		plain, err := sealer.Open(cred.EncryptedValue)
		if err != nil {
			return fmt.Errorf("decrypt telegram credential: %w", err)
		}
		var tc telegramCredential
		if err := json.Unmarshal([]byte(plain), &tc); err != nil {
			return fmt.Errorf("parse telegram credential: %w", err)
		}
		tcfg.Token = tc.Token
		if tc.Proxy != "" {
			tcfg.Proxy = tc.Proxy
		}
	}

	if tcfg.Token == "" {
		return fmt.Errorf("no telegram token configured for tenant %s", tenant.ID)
	}

	ch, err := telegram.New(tenant.ID.String(), tcfg, msgBus)
	if err != nil {
		return fmt.Errorf("build telegram channel: %w", err)
	}
	chanMgr.RegisterChannel(channels.Key("telegram", tenant.ID.String()), ch)
	return nil
}

func registerWhatsAppTenant(ctx context.Context, tenant *store.Tenant, creds store.CredentialStore, sealer *crypto.Sealer, cfg *config.Config, msgBus *bus.MessageBus, chanMgr *channels.Manager) error {
	wcfg := whatsapp.Config{
		BridgeURL: cfg.Channels.WhatsApp.BridgeURL,
		AllowFrom: cfg.Channels.WhatsApp.AllowFrom,
	}

	if cred, err := creds.Get(ctx, tenant.ID, "channel:whatsapp"); err == nil {
		plain, err := sealer.Open(cred.EncryptedValue)
		if err != nil {
			return fmt.Errorf("decrypt whatsapp credential: %w", err)
		}
		var wc whatsappCredential
		if err := json.Unmarshal([]byte(plain), &wc); err != nil {
			return fmt.Errorf("parse whatsapp credential: %w", err)
		}
		wcfg.BridgeURL = wc.BridgeURL
	}

	if wcfg.BridgeURL == "" {
		return fmt.Errorf("no whatsapp bridge url configured for tenant %s", tenant.ID)
	}

	ch, err := whatsapp.New(tenant.ID.String(), wcfg, msgBus)
	if err != nil {
		return fmt.Errorf("build whatsapp channel: %w", err)
	}
	chanMgr.RegisterChannel(channels.Key("whatsapp", tenant.ID.String()), ch)
	return nil
}

// toolInvoker adapts tools.Runtime.Invoke to the cli.ToolInvoker signature
// the CLI Session Store calls when an agent child emits a "tool_call"
// record mid-injection (spec §4.7, §4.8).
func toolInvoker(rt *tools.Runtime) cli.ToolInvoker {
	return func(ctx context.Context, tenantID uuid.UUID, toolName string, input json.RawMessage) (string, error) {
		result, err := rt.Invoke(ctx, tenantID.String(), toolName, input)
		if err != nil {
			return "", err
		}
		if result.Error != "" {
			return "", fmt.Errorf("tool %q: %s", toolName, result.Error)
		}
		return result.Output, nil
	}
}

// loadToolManifest reads and parses <tenantsRoot>/<tenantID>/tools/manifest.json.
// A missing manifest is not an error: a tenant with no declared tools simply
// has none to invoke.
func loadToolManifest(tenantsRoot, tenantID string) ([]tools.Manifest, error) {
	path := filepath.Join(tenantsRoot, tenantID, bootstrap.SharedToolsDir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, tferrors.Configuration("read tool manifest for tenant %s: %v", tenantID, err)
	}
	var manifest []tools.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, tferrors.Configuration("parse tool manifest for tenant %s: %v", tenantID, err)
	}
	return manifest, nil
}

// stateFileCondition returns a condition Predicate reading a tenant's own
// <tenantsRoot>/<tenantID>/state/conditions.json, a flat string->bool map
// any tool or operator can update; the trigger's Config names the key to
// check. This keeps the condition "language" (§4.4 non-goal) outside the
// core while still giving the adapter something real to evaluate.
func stateFileCondition(tenantsRoot string) trigger.Predicate {
	return func(ctx context.Context, trig *store.Trigger) (bool, error) {
		var cond struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(trig.Config, &cond); err != nil || cond.Key == "" {
			return false, nil
		}

		path := filepath.Join(tenantsRoot, trig.TenantID.String(), bootstrap.StateDir, "conditions.json")
		data, err := os.ReadFile(path)
		if err != nil {
			return false, nil
		}
		var flags map[string]bool
		if err := json.Unmarshal(data, &flags); err != nil {
			return false, nil
		}
		return flags[cond.Key], nil
	}
}

// noopMailboxClient satisfies trigger.MailboxClient when no mailbox
// provider has been wired in; it reports no unread items on every poll
// rather than leaving the mailbox adapter's client dependency unfilled.
type noopMailboxClient struct{}

func (noopMailboxClient) FetchUnread(ctx context.Context, trig *store.Trigger, ts oauth2.TokenSource) ([]trigger.MailboxItem, error) {
	return nil, nil
}

// reportMetrics periodically refreshes the process-level gauges served at
// /metrics.
func reportMetrics(ctx context.Context, reg *metrics.Registry, chanMgr *channels.Manager, browserMgr *browser.Manager, tenants store.TenantStore) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SetGauge("tenantflow_channels_registered", "Number of registered channel transports", float64(len(chanMgr.EnabledChannels())))

			running := 0
			for _, ok := range chanMgr.Status() {
				if ok {
					running++
				}
			}
			reg.SetGauge("tenantflow_channels_running", "Number of channel transports currently running", float64(running))

			if all, err := tenants.List(ctx); err == nil {
				total := 0
				for _, t := range all {
					total += browserMgr.Count(t.ID)
				}
				reg.SetGauge("tenantflow_browser_sessions_active", "Active headless browser sessions across all tenants", float64(total))
			}
		}
	}
}
