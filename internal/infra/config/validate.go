package config

import (
	"fmt"
	"regexp"

	"call-me/internal/domain"
)

// e164Re validates E.164 phone number format.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Validate checks the configuration for fatal errors. It is called once at
// startup; a failure here aborts the process.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid,
			fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}

	switch cfg.Telephony.Provider {
	case "telnyx":
		if cfg.Telephony.Telnyx.APIKey == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid, "telnyx.api_key is required")
		}
		if cfg.Telephony.Telnyx.ConnectionID == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid, "telnyx.connection_id is required")
		}
	case "twilio":
		if cfg.Telephony.Twilio.AccountSID == "" || cfg.Telephony.Twilio.AuthToken == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid, "twilio credentials are required")
		}
	default:
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid,
			fmt.Sprintf("unknown telephony.provider %q (want telnyx or twilio)", cfg.Telephony.Provider))
	}

	if cfg.Call.FromNumber != "" && !IsE164(cfg.Call.FromNumber) {
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid,
			fmt.Sprintf("call.from_number %q is not E.164", cfg.Call.FromNumber))
	}
	if cfg.Call.UserNumber != "" && !IsE164(cfg.Call.UserNumber) {
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid,
			fmt.Sprintf("call.user_number %q is not E.164", cfg.Call.UserNumber))
	}
	for _, n := range cfg.Call.AllowedNumbers {
		if !IsE164(n) {
			return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid,
				fmt.Sprintf("call.allowed_numbers entry %q is not E.164", n))
		}
	}

	if cfg.Call.MaxConcurrent <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid, "call.max_concurrent must be > 0")
	}
	if cfg.STT.SilenceMs <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid, "stt.silence_ms must be > 0")
	}

	if !cfg.Tunnel.Enabled && cfg.Tunnel.PublicURL == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfigInvalid,
			"either tunnel.enabled or tunnel.public_url must be set")
	}

	return nil
}

// IsE164 reports whether s is a valid E.164 phone number.
func IsE164(s string) bool {
	return e164Re.MatchString(s)
}
