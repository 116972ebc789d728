package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jhuang59/router-benchmark/pkg/config"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

var (
	configPath = flag.String("config", "agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Coordinator URL (overrides config)")
	clientID   = flag.String("client-id", "", "Client ID (overrides config)")
	Version    = "dev"
)

// Agent polls the coordinator for signed envelopes, verifies each one
// locally, executes what passes, and reports every outcome back.
type Agent struct {
	cfg      *config.AgentConfig
	api      *apiClient
	verifier *verifier
	executor *executor
	shell    *shellRunner
}

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("Agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *clientID != "" {
		cfg.Client.ID = *clientID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyLogging(cfg.Logging)

	secret, err := cfg.Client.ResolveSecret()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read client secret")
	}
	if cfg.Client.ID == "" || secret == "" {
		log.Fatal().Msg("Client ID and secret are required; register this agent first")
	}

	registry, err := loadRegistry(cfg.Whitelist.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Whitelist.Path).Msg("Failed to load command whitelist")
	}

	retry := newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries)
	agent := &Agent{
		cfg:      cfg,
		api:      newAPIClient(cfg.Server.URL, cfg.Client.ID, secret, time.Duration(cfg.Server.RequestTimeout)*time.Second, retry),
		verifier: newVerifier(cfg.Client.ID, secret, registry),
		executor: &executor{registry: registry},
	}
	if cfg.Shell.Enable {
		agent.shell = newShellRunner(cfg.Server.URL, cfg.Client.ID, secret, cfg.Shell.Command)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent.run(ctx)
	log.Info().Msg("Agent stopped")
}

func (a *Agent) run(ctx context.Context) {
	if a.shell != nil {
		go a.shell.run(ctx)
	}
	go a.heartbeatLoop(ctx)

	// First poll immediately, then on the interval.
	a.pollOnce(ctx)
	ticker := time.NewTicker(time.Duration(a.cfg.Client.PollInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// pollOnce drains one delivery. Envelopes run sequentially in queue
// order; each result is reported before the next command starts.
func (a *Agent) pollOnce(ctx context.Context) {
	envelopes, err := a.api.Poll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Poll failed")
		return
	}

	for i := range envelopes {
		env := &envelopes[i]
		result := a.handleEnvelope(ctx, env)
		if err := a.api.PostResult(ctx, result); err != nil {
			log.Error().Err(err).Str("command_uuid", env.UUID).Msg("Failed to report result")
		}
	}
}

func (a *Agent) handleEnvelope(ctx context.Context, env *protocol.CommandEnvelope) *protocol.CommandResult {
	cmdline, err := a.verifier.check(env)
	if err != nil {
		log.Warn().
			Str("command_uuid", env.UUID).
			Str("command_id", env.CommandID).
			Str("code", protocol.ErrCode(err)).
			Msg("Envelope rejected")
		return rejection(env, err)
	}

	log.Info().Str("command_uuid", env.UUID).Str("command_id", env.CommandID).Msg("Executing command")
	return a.executor.run(ctx, env, cmdline)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Client.HeartbeatInterval) * time.Second
	a.sendHeartbeat(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb := &protocol.HeartbeatRequest{
		ClientID:     a.cfg.Client.ID,
		Interfaces:   collectInterfaces(),
		AgentVersion: Version,
	}
	if hostname, err := os.Hostname(); err == nil {
		hb.Hostname = hostname
	}
	if err := a.api.Heartbeat(ctx, hb); err != nil {
		log.Warn().Err(err).Msg("Heartbeat failed")
	}
}

// collectInterfaces reports each up, non-loopback interface with its
// first address. Best effort; an empty map is fine.
func collectInterfaces() map[string]string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		out[iface.Name] = addrs[0].String()
	}
	return out
}

func loadRegistry(path string) (*whitelist.Registry, error) {
	if path == "" {
		return whitelist.Default(), nil
	}
	return whitelist.Load(path)
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("RCX_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = newLogger(os.Getenv("RCX_LOG_FORMAT") == "json").Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	log.Logger = newLogger(cfg.JSON).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(json bool) zerolog.Logger {
	if json {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
