// Command saiverse runs the pulse execution engine: one persona lane per
// configured persona, built-in memory/tool wiring, and an optional
// Prometheus metrics endpoint. Flag handling follows the teacher's
// cmd/hector/main.go kong layout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maha0525/saiverse/internal/config"
	"github.com/maha0525/saiverse/internal/contextbuild"
	"github.com/maha0525/saiverse/internal/graph"
	"github.com/maha0525/saiverse/internal/history"
	"github.com/maha0525/saiverse/internal/llm"
	"github.com/maha0525/saiverse/internal/mcp"
	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/obslog"
	"github.com/maha0525/saiverse/internal/obstrace"
	"github.com/maha0525/saiverse/internal/playbook"
	"github.com/maha0525/saiverse/internal/pulse"
	"github.com/maha0525/saiverse/internal/social"
	"github.com/maha0525/saiverse/internal/tool"
	"github.com/maha0525/saiverse/internal/tool/builtin"
	"github.com/maha0525/saiverse/internal/usage"
)

var version = "0.1.0-dev"

type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Run the pulse engine."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("saiverse", version)
	return nil
}

type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(config.Schema())
}

type ValidateCmd struct {
	Config string `arg:"" default:"config.yaml" help:"Path to config.yaml"`
}

func (c *ValidateCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d model(s), %d persona(s))\n", c.Config, len(cfg.Models), len(cfg.Personas))
	return nil
}

type ServeCmd struct {
	Config      string `help:"Path to config.yaml" default:"config.yaml"`
	Playbooks   string `help:"Playbook directory" default:"./playbooks"`
	Watch       bool   `help:"Watch config.yaml and report changes (a restart applies them)"`
	MetricsAddr string `help:"Prometheus /metrics listen address (empty disables it)" default:":9090"`
	Trace       bool   `help:"Enable OpenTelemetry tracing spans"`
	Persona     string `help:"Persona id to read stdin lines as user pulses for" default:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := obslog.New(obslog.Options{
		Level:     cfg.Logging.Level,
		JSON:      cfg.Logging.JSON,
		QuietPkgs: []string{"mcp", "sqlite3"},
	})
	log.Info("starting saiverse", "config", c.Config, "models", len(cfg.Models), "personas", len(cfg.Personas))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := obstrace.Init(ctx, obstrace.Config{Enabled: c.Trace, ServiceName: "saiverse"}); err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	histStore, err := history.Open(filepath.Join(cfg.Runtime.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer histStore.Close()

	replyLog, err := social.OpenReplyLog(filepath.Join(cfg.Runtime.DataDir, "reply_log.db"))
	if err != nil {
		return fmt.Errorf("open reply log: %w", err)
	}
	defer replyLog.Close()

	usageTracker, err := usage.Open(filepath.Join(cfg.Runtime.DataDir, "usage.db"), usage.Options{})
	if err != nil {
		return fmt.Errorf("open usage tracker: %w", err)
	}
	defer usageTracker.Close()

	memories := map[string]*memory.Store{}
	memoryFor := func(personaID string) (*memory.Store, error) {
		if m, ok := memories[personaID]; ok {
			return m, nil
		}
		dir := filepath.Join(cfg.Runtime.DataDir, "personas", personaID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		m, err := memory.Open(dir, personaID)
		if err != nil {
			return nil, err
		}
		memories[personaID] = m
		return m, nil
	}

	registry := tool.NewRegistry()
	registry.Register(&builtin.MemoryWeaveTool{Stores: memoryFor})
	registry.Register(&builtin.VisualContextTool{})
	registry.Register(&builtin.MemorizeTool{Stores: memoryFor})
	registry.Register(&builtin.UpsertMemopediaTool{Stores: memoryFor})
	registry.Register(&builtin.RecordWaitTool{Stores: memoryFor})
	registry.Register(&builtin.ReplyTweetTool{Log: replyLog})

	mcpMgr := mcp.NewManager(registry, cfg.MCPServers)
	if err := mcpMgr.Connect(ctx); err != nil {
		log.Warn("mcp connect", "error", err)
	}

	playbooks := playbook.NewStore(c.Playbooks)

	clients := map[string]llm.Client{}
	clientFor := func(modelName string) (llm.Client, *config.ModelConfig, error) {
		if cl, ok := clients[modelName]; ok {
			return cl, cfg.ModelByName(modelName), nil
		}
		mc := cfg.ModelByName(modelName)
		if mc == nil {
			return nil, nil, fmt.Errorf("unknown model %q", modelName)
		}
		cl, err := llm.New(ctx, mc)
		if err != nil {
			return nil, nil, fmt.Errorf("init model %q: %w", modelName, err)
		}
		clients[modelName] = cl
		return cl, mc, nil
	}

	tokenFallback := usage.NewFallbackCounter()
	builder := &contextbuild.Builder{
		MemoryFor: memoryFor,
		History:   histStore,
	}

	executor := graph.NewExecutor(&graph.Deps{
		Playbooks:      playbooks,
		Tools:          registry,
		MemoryFor:      memoryFor,
		History:        histStore,
		ContextBuilder: builder,
		Usage:          usageTracker,
		TokenFallback:  tokenFallback,
		Permissions:    cfg.PermissionsFor,
		RecursionLimit: cfg.Runtime.RecursionLimit,
		LLMFor: func(persona graph.PersonaRef, modelType string) (*graph.LLMBinding, error) {
			name := persona.ModelID
			if modelType == "light" && persona.LightModelID != "" {
				name = persona.LightModelID
			}
			cl, mc, err := clientFor(name)
			if err != nil {
				return nil, err
			}
			return &graph.LLMBinding{
				Client:        cl,
				ModelID:       mc.Model,
				ContextLength: mc.ContextWindow,
				Provider:      contextbuild.Provider(mc.Provider),
				Pricing:       llm.Pricing{InputPer1M: mc.InputCostPer1M, OutputPer1M: mc.OutputCostPer1M},
			}, nil
		},
	})

	controller := pulse.NewController(executor, playbooks, histStore, memoryFor, pulse.Options{
		QueueBound: cfg.Runtime.QueueBound,
	})

	if c.Watch {
		go func() {
			if err := config.Watch(ctx, c.Config, func(*config.Config) {
				fmt.Fprintln(os.Stderr, "config changed; restart to pick up model/persona edits")
			}); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "config watch: %v\n", err)
			}
		}()
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	personaID := c.Persona
	if personaID == "" && len(cfg.Personas) > 0 {
		personaID = cfg.Personas[0].ID
	}
	pc := cfg.PersonaByID(personaID)
	if pc == nil {
		fmt.Fprintln(os.Stderr, "no persona configured; engine is up but idle (ctrl-c to stop)")
		<-ctx.Done()
		return nil
	}
	ref := graph.PersonaRef{
		ID: pc.ID, Name: pc.Name, BuildingID: pc.BuildingID,
		ChronicleEnabled: pc.ChronicleEnabled, ModelID: pc.Model, LightModelID: pc.LightModel,
	}

	fmt.Fprintf(os.Stderr, "saiverse serving persona %q; type a line and press enter to submit a user pulse\n", ref.ID)
	go readStdinPulses(ctx, controller, ref)

	<-ctx.Done()
	return nil
}

func readStdinPulses(ctx context.Context, controller *pulse.Controller, persona graph.PersonaRef) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		resultC := controller.SubmitUser(ctx, persona, persona.BuildingID, "main", line, func(eventType string, payload map[string]any) {
			fmt.Fprintf(os.Stderr, "[%s] %v\n", eventType, payload)
		})
		go func() {
			res := <-resultC
			switch {
			case res.Err != nil:
				fmt.Fprintf(os.Stderr, "error: %v\n", res.Err)
			case res.Skipped:
				fmt.Fprintln(os.Stderr, "skipped (lane busy)")
			default:
				fmt.Fprintln(os.Stderr, "done")
			}
		}()
		if ctx.Err() != nil {
			return
		}
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("saiverse"),
		kong.Description("SAIVerse pulse execution engine"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
