package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/swarmwatch/internal/console"
	"github.com/mark3labs/swarmwatch/internal/hooks"
	"github.com/mark3labs/swarmwatch/internal/journal"
	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/mcpserver"
	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/mark3labs/swarmwatch/internal/session"
	"github.com/mark3labs/swarmwatch/internal/stream"
	"github.com/mark3labs/swarmwatch/internal/swarm"
)

// Hook statuses beyond the terminal kinds.
const (
	StatusError = "error"
)

const shutdownTimeout = 2 * time.Second

// Config holds configuration for the orchestrator.
type Config struct {
	BaseURL   string
	Token     string
	SessionID string // Session to continue or attach to (optional)
	Task      string
	Continue  bool // Continue SessionID instead of starting a new session

	Agents      []string
	MaxHandoffs int

	DataDir         string
	WorkDir         string // Where hooks run and are loaded from
	GracePeriod     time.Duration
	RecoveryTimeout time.Duration
	RequestTimeout  time.Duration
	BlankSentinels  []string

	Journal  bool // Record every frame to the embedded NATS journal
	MCP      bool // Serve the MCP control tools
	MCPPort  int  // 0 picks a random port
	Headless bool // Print only the final answer, without styling

	Out io.Writer // Defaults to os.Stdout

	// Backend overrides the HTTP client built from BaseURL.
	Backend session.Backend
}

// Orchestrator wires the swarm client, the session controller, the journal,
// the console, the MCP server and terminal hooks for one invocation.
type Orchestrator struct {
	cfg     Config
	ctl     *session.Controller
	journal *journal.Store
	printer *console.Printer
	mcp     *mcpserver.Server
	hooks   *hooks.Config

	unsubscribe func()

	mu      sync.Mutex
	stopped bool
}

// New creates a new Orchestrator with the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = ".swarmwatch"
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Continue && cfg.SessionID == "" {
		return nil, session.ErrNoSession
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Controller returns the session controller once Start has run.
func (o *Orchestrator) Controller() *session.Controller {
	return o.ctl
}

// Journal returns the event journal, or nil when journaling is disabled.
func (o *Orchestrator) Journal() *journal.Store {
	return o.journal
}

// MCPURL returns the MCP endpoint, or "" when the server is disabled.
func (o *Orchestrator) MCPURL() string {
	if o.mcp == nil {
		return ""
	}
	return o.mcp.URL()
}

// Start initializes every component. Call Stop to release them.
func (o *Orchestrator) Start(ctx context.Context) error {
	logger.Info("Starting orchestrator (base_url=%s session=%q)", o.cfg.BaseURL, o.cfg.SessionID)

	backend := o.cfg.Backend
	if backend == nil {
		opts := []swarm.Option{swarm.WithRequestTimeout(o.cfg.RequestTimeout)}
		if o.cfg.Token != "" {
			opts = append(opts, swarm.WithBearerToken(o.cfg.Token))
		}
		client, err := swarm.New(o.cfg.BaseURL, opts...)
		if err != nil {
			return fmt.Errorf("failed to create swarm client: %w", err)
		}
		backend = client
	}

	hookCfg, err := hooks.LoadConfig(o.cfg.WorkDir)
	if err != nil {
		logger.Warn("Ignoring hooks config: %v", err)
	}
	o.hooks = hookCfg

	opts := session.Options{
		Reducer:         reducer.Options{BlankSentinels: o.cfg.BlankSentinels},
		SessionID:       o.cfg.SessionID,
		GracePeriod:     o.cfg.GracePeriod,
		RecoveryTimeout: o.cfg.RecoveryTimeout,
	}
	if o.cfg.Journal {
		logger.Debug("Opening journal in %s", o.cfg.DataDir)
		store, err := journal.Open(ctx, o.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		o.journal = store
		opts.Recorder = store
	}
	o.ctl = session.New(backend, opts)

	o.printer = console.NewPrinter(o.cfg.Out, console.Options{NoColor: o.cfg.Headless})
	if !o.cfg.Headless {
		o.unsubscribe = o.ctl.Subscribe(o.printer.Handle)
	}

	if o.cfg.MCP {
		o.mcp = mcpserver.New(o.ctl)
		port, err := o.mcp.Start(ctx, o.cfg.MCPPort)
		if err != nil {
			return fmt.Errorf("failed to start MCP server: %w", err)
		}
		logger.Info("MCP server listening on port %d", port)
		if !o.cfg.Headless {
			_, _ = fmt.Fprintf(o.cfg.Out, "MCP tools at %s\n", o.mcp.URL())
		}
	}
	return nil
}

// Run executes the task, prints the outcome and runs terminal hooks. A stop
// requested through Interrupt or MCP is not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.ctl == nil {
		return errors.New("orchestrator not started")
	}

	var runErr error
	if o.cfg.Continue {
		runErr = o.ctl.Continue(ctx, o.cfg.Task)
	} else {
		runErr = o.ctl.Run(ctx, swarm.RunRequest{
			Task:        o.cfg.Task,
			SessionID:   o.cfg.SessionID,
			Agents:      o.cfg.Agents,
			MaxHandoffs: o.cfg.MaxHandoffs,
		})
	}

	snap := o.ctl.Snapshot()
	status := Status(snap, runErr)
	output := LastOutput(snap)
	logger.Info("Run finished with status %s (%d messages)", status, len(snap.Messages))

	if o.cfg.Headless {
		if output != "" {
			_, _ = fmt.Fprintln(o.cfg.Out, output)
		}
	} else {
		o.printer.Summary(snap)
	}

	o.runHooks(ctx, snap.SessionID, status, output)
	return runErr
}

func (o *Orchestrator) runHooks(ctx context.Context, sessionID, status, output string) {
	if o.hooks == nil || len(o.hooks.Hooks.OnTerminal) == 0 {
		return
	}
	out, err := hooks.ExecuteAll(ctx, o.hooks.Hooks.OnTerminal, o.cfg.WorkDir, hooks.Variables{
		Session: sessionID,
		Status:  status,
		Output:  output,
	})
	if err != nil {
		logger.Warn("Terminal hooks interrupted: %v", err)
	}
	if out != "" && !o.cfg.Headless {
		_, _ = fmt.Fprint(o.cfg.Out, out)
	}
}

// Status names how a run ended for hooks and exit reporting.
func Status(snap reducer.Snapshot, runErr error) string {
	if runErr != nil {
		return StatusError
	}
	if snap.Terminal == stream.TerminalNone {
		return stream.TerminalStopped.String()
	}
	return snap.Terminal.String()
}

// LastOutput returns the content of the most recent agent message.
func LastOutput(snap reducer.Snapshot) string {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role == reducer.RoleAssistant && m.ToolCall == nil {
			return m.Content
		}
	}
	return ""
}

// WatchInterrupts escalates repeated interrupts: the first requests a
// graceful stop, any later one an emergency stop. It returns when ctx is
// done or sig is closed.
func (o *Orchestrator) WatchInterrupts(ctx context.Context, sig <-chan os.Signal) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sig:
			if !ok {
				return
			}
			count++
			if count == 1 {
				logger.Info("Interrupt received, stopping gracefully")
				_, _ = fmt.Fprintln(os.Stderr, "Stopping... press Ctrl+C again to abort immediately")
				go func() {
					if err := o.ctl.Stop(ctx); err != nil {
						logger.Warn("Graceful stop failed: %v", err)
					}
				}()
				continue
			}
			logger.Info("Second interrupt received, emergency stop")
			o.ctl.EmergencyStop()
		}
	}
}

// Stop shuts down all components. Multiple calls are safe.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	logger.Info("Stopping orchestrator")
	var errs []error

	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	if o.ctl != nil {
		o.ctl.EmergencyStop()
		o.ctl.Wait()
	}
	if o.mcp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := o.mcp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("MCP shutdown failed: %w", err))
		}
		cancel()
	}
	if o.journal != nil {
		if n := o.journal.Failed(); n > 0 {
			logger.Warn("%d journal writes failed", n)
		}
		if err := o.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal shutdown failed: %w", err))
		}
	}

	logger.Info("Orchestrator stopped")
	return errors.Join(errs...)
}
