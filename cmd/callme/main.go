// Command callme runs the phone bridge: an MCP stdio server that lets an
// agent place a call to its user, hold a spoken conversation, and hang up.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"call-me/internal/adapter/tool"
	"call-me/internal/call"
	"call-me/internal/calllog"
	"call-me/internal/infra/config"
	"call-me/internal/infra/logger"
	"call-me/internal/infra/tracer"
	"call-me/internal/stt"
	"call-me/internal/telephony"
	"call-me/internal/tts"
	"call-me/internal/tunnel"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	if !cfg.Tunnel.Enabled && cfg.Tunnel.PublicURL == "" {
		return fmt.Errorf("tunnel disabled but no public_url configured")
	}
	tun := tunnel.NewManager(tunnel.Config{
		Binary:         cfg.Tunnel.Binary,
		AgentAPI:       cfg.Tunnel.AgentAPI,
		HealthInterval: cfg.Tunnel.HealthInterval,
		Port:           cfg.Server.Port,
		PublicURL:      cfg.Tunnel.PublicURL,
	}, log)
	publicURL, err := tun.Start(ctx)
	if err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}
	defer tun.Stop()
	log.Info("public URL ready", "url", publicURL)

	provider, err := buildProvider(cfg, log)
	if err != nil {
		return err
	}

	synth := tts.NewOpenAI(tts.OpenAIConfig{
		APIKey:  cfg.TTS.APIKey,
		Model:   cfg.TTS.Model,
		Voice:   cfg.TTS.Voice,
		BaseURL: cfg.TTS.BaseURL,
	}, log)
	sttClient := stt.NewClient(stt.Config{
		APIKey:         cfg.STT.APIKey,
		Model:          cfg.STT.Model,
		BaseURL:        cfg.STT.BaseURL,
		SilenceMs:      cfg.STT.SilenceMs,
		ConnectTimeout: cfg.STT.ConnectTimeout,
	}, log)

	var archive call.Archiver
	if cfg.Archive.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		store, err := calllog.NewSQLiteStore(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		archive = store
	}

	registry := call.NewRegistry(cfg.Call.MaxConcurrent)
	core := call.NewCore(call.Config{
		FromNumber:           cfg.Call.FromNumber,
		UserNumber:           cfg.Call.UserNumber,
		AllowedNumbers:       cfg.Call.AllowedNumbers,
		TranscriptTimeout:    cfg.Call.TranscriptTimeout,
		AttachTimeout:        cfg.Call.AttachTimeout,
		AllowTokenlessAttach: cfg.Call.AllowTokenlessAttach,
	}, registry, provider, synth, sttClient, archive, tun.PublicURL, log)

	srv := call.NewServer(core, log)
	if err := srv.Start(ctx, fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		return err
	}

	phone := tool.NewPhoneCallTool(core, log)
	mcpSrv := tool.NewMCPServer(phone, version, log)

	mcpErr := make(chan error, 1)
	go func() { mcpErr <- mcpSrv.Serve() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-mcpErr:
		// The agent closing stdin is the normal way this process ends.
		if err != nil {
			log.Error("mcp server stopped", "error", err)
		} else {
			log.Info("mcp stream closed")
		}
	case <-tun.Lost:
		log.Error("tunnel lost and could not be restarted; shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	core.Shutdown(shutdownCtx)
	srv.Stop(shutdownCtx)
	return nil
}

// buildProvider selects the configured telephony backend and wraps it in the
// circuit breaker.
func buildProvider(cfg *config.Config, log *slog.Logger) (telephony.Provider, error) {
	var inner telephony.Provider
	switch cfg.Telephony.Provider {
	case "telnyx":
		t, err := telephony.NewTelnyx(telephony.TelnyxConfig{
			APIKey:           cfg.Telephony.Telnyx.APIKey,
			ConnectionID:     cfg.Telephony.Telnyx.ConnectionID,
			WebhookPublicKey: cfg.Telephony.Telnyx.WebhookPublicKey,
		}, log)
		if err != nil {
			return nil, err
		}
		inner = t
	case "twilio":
		inner = telephony.NewTwilio(telephony.TwilioConfig{
			AccountSID: cfg.Telephony.Twilio.AccountSID,
			AuthToken:  cfg.Telephony.Twilio.AuthToken,
		}, log)
	default:
		return nil, fmt.Errorf("unknown telephony provider %q", cfg.Telephony.Provider)
	}
	return telephony.NewBreakerProvider(inner, log), nil
}
