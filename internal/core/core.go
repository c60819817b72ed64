// Package core is the composition root: it wires the MCP config injector,
// history store, session manager, and message queue into a single value
// that a transport binding is passed by reference, replacing the
// module-level mutable state an earlier design would have reached for.
package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wayfarer-labs/relay/internal/config"
	"github.com/wayfarer-labs/relay/internal/db"
	"github.com/wayfarer-labs/relay/internal/events"
	"github.com/wayfarer-labs/relay/internal/history"
	"github.com/wayfarer-labs/relay/internal/mcpconfig"
	"github.com/wayfarer-labs/relay/internal/queue"
	"github.com/wayfarer-labs/relay/internal/session"
	"github.com/wayfarer-labs/relay/internal/transport"
	"github.com/wayfarer-labs/relay/internal/workdir"
	"gorm.io/gorm"
)

// Core owns every long-lived subsystem: the named-session registry, the
// ordered message queue, the durable history store, and the event
// registry collaborators observe.
type Core struct {
	Config    *config.Config
	DB        *gorm.DB
	Observers *events.Registry
	History   *history.Store
	Sessions  *session.Manager
	Queue     *queue.Queue
	Transport *transport.Transport
}

// Boot wires every subsystem in the order spec.md §2 requires: MCP config
// injection, then the history store, then the default session, then the
// message queue, then the transport binding. Callers supply an
// already-parsed config so Boot stays testable without re-reading the
// filesystem for anything beyond what its collaborators need.
func Boot(ctx context.Context, cfg *config.Config) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: boot: config is required")
	}

	if err := mcpconfig.Inject(mcpconfig.Opts{
		ConfigPath:     mcpConfigPath(cfg.Assistant.HomeDir),
		IntegrationKey: cfg.MCP.IntegrationKey,
		TokenVar:       cfg.MCP.TokenVar,
		Token:          cfg.MCP.Token,
		LauncherCmd:    cfg.MCP.LauncherCmd,
		LauncherArgs:   cfg.MCP.LauncherArgs,
	}); err != nil {
		// Non-fatal: the assistant still starts without the MCP launcher
		// wired into its config, it just can't reach that integration.
		log.Printf("core: boot: inject mcp config: %v", err)
	}

	gormDB, err := db.Connect(cfg.History.DBPath)
	if err != nil {
		return nil, fmt.Errorf("core: boot: %w", err)
	}
	if err := history.Migrate(gormDB); err != nil {
		return nil, fmt.Errorf("core: boot: %w", err)
	}
	hist := history.New(gormDB, cfg.History.RingSize)

	observers := events.NewRegistry()
	alloc := workdir.New(cfg.Assistant.WorkdirRoot)
	sessionCfg := session.Config{
		BinaryPath: cfg.Assistant.BinaryPath,
		Args:       cfg.Assistant.ExtraArgs,
		Env:        childEnv(cfg.Assistant.HomeDir),
		TGraceful:  time.Duration(cfg.Assistant.GracefulTimeoutS) * time.Second,
		TForce:     time.Duration(cfg.Assistant.ForceTimeoutS) * time.Second,
	}

	manager := session.NewManager(alloc, sessionCfg, cfg.Queue.MaxSessions, observers, hist)
	if err := manager.CreateDefault(ctx, cfg.Assistant.DefaultName); err != nil {
		return nil, fmt.Errorf("core: boot: create default session: %w", err)
	}
	if err := manager.StartMonitor(ctx); err != nil {
		return nil, fmt.Errorf("core: boot: start session monitor: %w", err)
	}

	// Transport is built before the queue so the queue's OnReply callback
	// can reference Transport.Deliver; the queue itself is bound back in
	// afterward since Deliver doesn't need it to construct.
	tr := transport.New(transport.Opts{
		Sessions:        manager,
		History:         hist,
		AllowedUserIDs:  cfg.Telegram.AllowedUserIDs,
		InlineMaxLength: cfg.Telegram.InlineMaxLength,
		DeliveryMode:    transport.DeliveryMode(cfg.Telegram.DeliveryMode),
	})

	q := queue.New(queue.Opts{
		Workers:   cfg.Queue.Workers,
		Depth:     cfg.Queue.Depth,
		Resolver:  manager,
		Observers: observers,
		OnReply:   tr.Deliver,
	})
	tr.BindQueue(q)

	return &Core{
		Config:    cfg,
		DB:        gormDB,
		Observers: observers,
		History:   hist,
		Sessions:  manager,
		Queue:     q,
		Transport: tr,
	}, nil
}

// Shutdown stops the session monitor and drains the queue, bounded by ctx.
func (c *Core) Shutdown(ctx context.Context) error {
	c.Sessions.StopMonitor()
	return c.Queue.Shutdown(ctx)
}

func mcpConfigPath(homeDir string) string {
	if homeDir == "" {
		resolved, err := os.UserHomeDir()
		if err != nil {
			log.Printf("core: boot: resolve home dir for mcp config: %v", err)
			return ""
		}
		homeDir = resolved
	}
	return homeDir + "/.claude.json"
}

// childEnv builds the assistant child's environment, overriding HOME when
// configured so its per-user config file lands somewhere predictable
// under service-account execution (spec.md §6). Returns nil (inherit
// ambient environment unmodified) when no override is configured.
func childEnv(homeDir string) []string {
	if homeDir == "" {
		return nil
	}
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "HOME=" {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "HOME="+homeDir)
	return out
}
