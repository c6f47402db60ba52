package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// ServerConfig holds the local HTTP/websocket server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // local port exposed through the tunnel
}

// TunnelConfig holds ngrok tunnel settings.
type TunnelConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Binary         string        `yaml:"binary"`           // ngrok binary path (default "ngrok")
	AgentAPI       string        `yaml:"agent_api"`        // local agent API base URL
	HealthInterval time.Duration `yaml:"health_interval"`  // default 30s
	PublicURL      string        `yaml:"public_url"`       // static override; disables the managed tunnel
}

// TelephonyConfig selects and configures the telephony provider.
type TelephonyConfig struct {
	Provider string       `yaml:"provider"` // "telnyx" or "twilio"
	Telnyx   TelnyxConfig `yaml:"telnyx"`
	Twilio   TwilioConfig `yaml:"twilio"`
}

// TelnyxConfig holds Telnyx credentials. APIKey accepts an "enc:" prefix.
type TelnyxConfig struct {
	APIKey           string `yaml:"api_key"`
	ConnectionID     string `yaml:"connection_id"`
	WebhookPublicKey string `yaml:"webhook_public_key"` // base64 Ed25519 key; empty downgrades verification to a warning
}

// TwilioConfig holds Twilio credentials. AuthToken accepts an "enc:" prefix.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// TTSConfig holds text-to-speech settings.
type TTSConfig struct {
	APIKey  string `yaml:"api_key"` // accepts "enc:" prefix
	Model   string `yaml:"model"`   // default "tts-1"
	Voice   string `yaml:"voice"`   // default "onyx"
	BaseURL string `yaml:"base_url"`
}

// STTConfig holds streaming transcription settings.
type STTConfig struct {
	APIKey         string        `yaml:"api_key"` // accepts "enc:" prefix
	Model          string        `yaml:"model"`   // default "gpt-4o-transcribe"
	BaseURL        string        `yaml:"base_url"`
	SilenceMs      int           `yaml:"silence_ms"`      // VAD commit silence, default 800
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default 10s
}

// CallConfig holds call session settings.
type CallConfig struct {
	FromNumber           string        `yaml:"from_number"` // E.164
	UserNumber           string        `yaml:"user_number"` // E.164 default callee
	AllowedNumbers       []string      `yaml:"allowed_numbers,omitempty"`
	TranscriptTimeout    time.Duration `yaml:"transcript_timeout"`     // default 180s
	AttachTimeout        time.Duration `yaml:"attach_timeout"`         // default 15s
	MaxConcurrent        int           `yaml:"max_concurrent"`         // default 4
	AllowTokenlessAttach bool          `yaml:"allow_tokenless_attach"` // ephemeral-tunnel compatibility hack, off by default
}

// ArchiveConfig holds the completed-call archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database path
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Telephony TelephonyConfig `yaml:"telephony"`
	TTS       TTSConfig       `yaml:"tts"`
	STT       STTConfig       `yaml:"stt"`
	Call      CallConfig      `yaml:"call"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 3333},
		Tunnel: TunnelConfig{
			Enabled:        true,
			Binary:         "ngrok",
			AgentAPI:       "http://127.0.0.1:4040",
			HealthInterval: 30 * time.Second,
		},
		Telephony: TelephonyConfig{Provider: "telnyx"},
		TTS: TTSConfig{
			Model:   "tts-1",
			Voice:   "onyx",
			BaseURL: "https://api.openai.com",
		},
		STT: STTConfig{
			Model:          "gpt-4o-transcribe",
			BaseURL:        "wss://api.openai.com/v1/realtime",
			SilenceMs:      800,
			ConnectTimeout: 10 * time.Second,
		},
		Call: CallConfig{
			TranscriptTimeout: 180 * time.Second,
			AttachTimeout:     15 * time.Second,
			MaxConcurrent:     4,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "./data/calls.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: env vars alone can configure the process.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CALLME_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies CALLME_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLME_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CALLME_PUBLIC_URL"); v != "" {
		cfg.Tunnel.PublicURL = v
		cfg.Tunnel.Enabled = false
	}
	if v := os.Getenv("CALLME_PROVIDER"); v != "" {
		cfg.Telephony.Provider = v
	}
	if v := os.Getenv("CALLME_TELNYX_API_KEY"); v != "" {
		cfg.Telephony.Telnyx.APIKey = v
	}
	if v := os.Getenv("CALLME_TELNYX_CONNECTION_ID"); v != "" {
		cfg.Telephony.Telnyx.ConnectionID = v
	}
	if v := os.Getenv("CALLME_TELNYX_PUBLIC_KEY"); v != "" {
		cfg.Telephony.Telnyx.WebhookPublicKey = v
	}
	if v := os.Getenv("CALLME_TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Telephony.Twilio.AccountSID = v
	}
	if v := os.Getenv("CALLME_TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Telephony.Twilio.AuthToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.TTS.APIKey == "" {
			cfg.TTS.APIKey = v
		}
		if cfg.STT.APIKey == "" {
			cfg.STT.APIKey = v
		}
	}
	if v := os.Getenv("CALLME_TTS_VOICE"); v != "" {
		cfg.TTS.Voice = v
	}
	if v := os.Getenv("CALLME_FROM_NUMBER"); v != "" {
		cfg.Call.FromNumber = v
	}
	if v := os.Getenv("CALLME_USER_NUMBER"); v != "" {
		cfg.Call.UserNumber = v
	}
	if v := os.Getenv("CALLME_TRANSCRIPT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Call.TranscriptTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CALLME_STT_SILENCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.STT.SilenceMs = ms
		}
	}
	if v := os.Getenv("CALLME_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CALLME_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
		if cfg.Tracer.Exporter == "noop" {
			cfg.Tracer.Exporter = "stdout"
		}
	}
	if v := os.Getenv("CALLME_ALLOW_TOKENLESS_ATTACH"); v == "true" {
		cfg.Call.AllowTokenlessAttach = true
	}
}
