package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/amira/toolbridge/internal/config"
	"github.com/amira/toolbridge/internal/logger"
	"github.com/amira/toolbridge/internal/tracing"
	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/engine"
	"github.com/amira/toolbridge/pkg/gateway"
	"github.com/amira/toolbridge/pkg/reasoner"
	"github.com/amira/toolbridge/pkg/registry"
	"github.com/amira/toolbridge/pkg/stream"
	"github.com/amira/toolbridge/pkg/tools"
	"github.com/amira/toolbridge/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Run the bridge server in the foreground. The server exposes the turn
API over HTTP and WebSocket, dispatches tool calls over the configured
transports and archives conversations under the data directory.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	if err := tracing.InitOpenTelemetry("toolbridge"); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	store := conversation.NewStore(zl)
	archive, err := conversation.NewArchive(filepath.Join(cfg.DataDir, "conversations"), zl)
	if err != nil {
		return fmt.Errorf("failed to open conversation archive: %w", err)
	}

	retention := conversation.NewRetention(store, archive, cfg.Retention.MaxAge, zl)
	if cfg.Retention.Schedule != "" {
		if err := retention.Start(cfg.Retention.Schedule); err != nil {
			return fmt.Errorf("failed to start retention sweep: %w", err)
		}
		defer retention.Stop()
	}

	reg := registry.New(zl)

	local := transport.NewLocalAdapter(0, zl)
	if err := tools.RegisterBuiltins(reg, local, tools.Config{
		FrankfurterURL:    cfg.Tools.FrankfurterURL,
		UCUMURL:           cfg.Tools.UCUMURL,
		AdobeURL:          cfg.Tools.AdobeURL,
		AdobeClientID:     fallbackEnv(cfg.Tools.AdobeClientID, "PDF_SERVICES_CLIENT_ID"),
		AdobeClientSecret: fallbackEnv(cfg.Tools.AdobeClientSecret, "PDF_SERVICES_CLIENT_SECRET"),
	}, zl); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}

	stdioRouter := transport.NewRouter()
	defer stdioRouter.Close()
	for _, ep := range cfg.Transports.Stdio {
		adapter := transport.NewStdioAdapter(transport.StdioConfig{
			Name:          ep.Name,
			Command:       ep.Command,
			Args:          ep.Args,
			Timeout:       ep.Timeout,
			RequiredTools: declNames(ep.Tools),
		}, zl)
		if err := registerDecls(reg, stdioRouter, adapter, registry.TransportStdio, ep.Tools); err != nil {
			return fmt.Errorf("stdio endpoint %s: %w", ep.Name, err)
		}
	}

	httpRouter := transport.NewRouter()
	defer httpRouter.Close()
	for _, ep := range cfg.Transports.HTTP {
		adapter := transport.NewHTTPAdapter(transport.HTTPConfig{
			Name:    ep.Name,
			BaseURL: ep.BaseURL,
			Timeout: ep.Timeout,
		}, zl)
		if err := registerDecls(reg, httpRouter, adapter, registry.TransportHTTP, ep.Tools); err != nil {
			return fmt.Errorf("http endpoint %s: %w", ep.Name, err)
		}
	}

	apiKey := cfg.Reasoner.APIKey
	if apiKey == "" {
		switch cfg.Reasoner.Provider {
		case "anthropic":
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	provider, err := reasoner.NewProvider(cfg.Reasoner.Provider, apiKey)
	if err != nil {
		return err
	}

	profile := defaultProfile(cfg.Agents)
	stepper := reasoner.New(provider, reasoner.Config{
		Model:        cfg.Reasoner.Model,
		Temperature:  cfg.Reasoner.Temperature,
		MaxTokens:    cfg.Reasoner.MaxTokens,
		SystemPrompt: profile.Instruction,
	}, zl)

	eng, err := engine.New(engine.Config{
		Store:    store,
		Archive:  archive,
		Registry: reg,
		Stepper:  stepper,
		Adapters: map[registry.TransportKind]transport.Adapter{
			registry.TransportLocal: local,
			registry.TransportStdio: stdioRouter,
			registry.TransportHTTP:  httpRouter,
		},
		Logger: zl,
	})
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Port:   cfg.Gateway.Port,
		Runner: &profileRunner{runner: eng, profiles: cfg.Agents},
		Store:  store,
		Logger: zl,
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	watcher := config.NewWatcher(loader, func(next *config.Config) {
		if level, err := zerolog.ParseLevel(next.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
			zl.Info().Str("level", next.Logging.Level).Msg("Log level updated from config")
		}
	}, zl)
	if err := watcher.Start(); err != nil {
		zl.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	zl.Info().
		Int("port", cfg.Gateway.Port).
		Int("tools", reg.Len()).
		Msg("Toolbridge is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")

	return server.Stop()
}

// profileRunner resolves the agent profile before handing the turn to the
// engine. An unknown or empty agent ID gets the default profile.
type profileRunner struct {
	runner   gateway.TurnRunner
	profiles []config.AgentProfile
}

func (p *profileRunner) Run(ctx context.Context, params engine.TurnParams, pub *stream.Publisher) (engine.TurnResult, error) {
	profile := defaultProfile(p.profiles)
	for _, candidate := range p.profiles {
		if candidate.ID == params.AgentID {
			profile = candidate
			break
		}
	}
	if params.AgentID == "" {
		params.AgentID = profile.ID
	}
	if params.MaxCycles == 0 {
		params.MaxCycles = profile.MaxCycles
	}
	return p.runner.Run(ctx, params, pub)
}

func defaultProfile(profiles []config.AgentProfile) config.AgentProfile {
	if len(profiles) > 0 {
		return profiles[0]
	}
	return config.AgentProfile{ID: "default"}
}

func declNames(decls []config.ToolDecl) []string {
	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	return names
}

// registerDecls registers each declared remote tool and routes its
// invocations to the endpoint's adapter.
func registerDecls(reg *registry.Registry, router *transport.Router, adapter transport.Adapter, kind registry.TransportKind, decls []config.ToolDecl) error {
	for _, decl := range decls {
		var schema json.RawMessage
		if decl.InputSchema != nil {
			raw, err := json.Marshal(decl.InputSchema)
			if err != nil {
				return fmt.Errorf("tool %s: invalid input schema: %w", decl.Name, err)
			}
			schema = raw
		}
		if err := reg.Register(registry.Descriptor{
			Name:          decl.Name,
			Description:   decl.Description,
			InputSchema:   schema,
			Transport:     kind,
			ProgressLabel: decl.Progress,
		}, nil); err != nil {
			return err
		}
		router.Route(decl.Name, adapter)
	}
	return nil
}

func fallbackEnv(value, envKey string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envKey)
}
