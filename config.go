package goTFA

import (
	"errors"
	"time"
)

// Config defines the engine configuration. All product-specific behavior
// (paths, limits, relying-party data) is explicit here; there is no
// ambient per-product context.
//
// Config instances are treated as immutable after Build.
type Config struct {
	TOTP      TOTPConfig
	Lockout   LockoutConfig
	Challenge ChallengeConfig
	Recovery  RecoveryConfig
	Audit     AuditConfig
	Metrics   MetricsConfig

	// PersistSiteConfig controls whether the u2f/webauthn site
	// configuration is part of the serialized configuration file. Products
	// that keep it in a separate file (and inject it via SetU2fConfig /
	// SetWebauthnConfig after Load) leave this false, which also makes
	// Load discard any site config copied in from elsewhere.
	PersistSiteConfig bool

	// Debug switches the default challenge directory to a path relative
	// to the working directory so the engine can run unprivileged.
	Debug bool
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls generation of new TOTP secrets and the verification
// drift window. Per-entry parameters parsed from stored otpauth:// URIs
// always win over these defaults.
type TOTPConfig struct {
	Issuer string
	Period uint
	Digits int
	// DriftBackSteps is the number of immediately preceding time steps
	// accepted in addition to the current one. Future steps are never
	// accepted.
	DriftBackSteps int
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the two failure limits: a TOTP-only lock that
// holds until recovery or administrative unlock, and a full second-factor
// lock that expires after Duration.
type LockoutConfig struct {
	Enabled          bool
	TotpFailureLimit uint32
	FailureLimit     uint32
	Duration         time.Duration
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig controls the persistent per-user challenge store.
type ChallengeConfig struct {
	// Dir is the directory holding one challenge file per user. Created
	// on demand with mode 0700; files use mode 0600.
	Dir string
	// RegistrationTTL bounds how long an unanswered registration
	// challenge stays answerable.
	RegistrationTTL time.Duration
	// LoginTTL bounds how long an unanswered authentication challenge
	// stays answerable.
	LoginTTL time.Duration
	// RedisPrefix namespaces keys when the Redis backend is used.
	RedisPrefix string
}

/*
====================================
RECOVERY CONFIG
====================================
*/

// RecoveryConfig controls generation of recovery code sets.
type RecoveryConfig struct {
	Count      int
	CodeLength int // hex characters per code, before formatting
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events instead of blocking when the buffer is
	// full; drops are counted and reported via AuditDropped.
	DropIfFull bool
}

// MetricsConfig enables the atomic counter metrics.
type MetricsConfig struct {
	Enabled bool
	// EnableLatencyHistograms additionally records verification latency
	// buckets.
	EnableLatencyHistograms bool
}

const (
	defaultChallengeDir      = "/run/gotfa/tfa-challenges"
	defaultDebugChallengeDir = "./local-tfa-challenges"
)

func defaultConfig() Config {
	return Config{
		TOTP: TOTPConfig{
			Issuer:         "goTFA",
			Period:         30,
			Digits:         6,
			DriftBackSteps: 1,
		},
		Lockout: LockoutConfig{
			Enabled:          true,
			TotpFailureLimit: 8,
			FailureLimit:     100,
			Duration:         time.Hour,
		},
		Challenge: ChallengeConfig{
			RegistrationTTL: 10 * time.Minute,
			LoginTTL:        2 * time.Minute,
			RedisPrefix:     "tfc",
		},
		Recovery: RecoveryConfig{
			Count:      10,
			CodeLength: 16,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

func normalizeConfig(cfg *Config) error {
	if cfg.TOTP.Period == 0 {
		cfg.TOTP.Period = 30
	}
	if cfg.TOTP.Digits == 0 {
		cfg.TOTP.Digits = 6
	}
	if cfg.TOTP.Digits != 6 && cfg.TOTP.Digits != 8 {
		return errors.New("totp digits must be 6 or 8")
	}
	if cfg.TOTP.DriftBackSteps < 0 {
		return errors.New("totp drift window must not be negative")
	}
	if cfg.Lockout.Enabled {
		if cfg.Lockout.TotpFailureLimit == 0 {
			cfg.Lockout.TotpFailureLimit = 8
		}
		if cfg.Lockout.FailureLimit == 0 {
			cfg.Lockout.FailureLimit = 100
		}
		if cfg.Lockout.Duration <= 0 {
			cfg.Lockout.Duration = time.Hour
		}
	}
	if cfg.Challenge.Dir == "" {
		if cfg.Debug {
			cfg.Challenge.Dir = defaultDebugChallengeDir
		} else {
			cfg.Challenge.Dir = defaultChallengeDir
		}
	}
	if cfg.Challenge.RegistrationTTL <= 0 {
		cfg.Challenge.RegistrationTTL = 10 * time.Minute
	}
	if cfg.Challenge.LoginTTL <= 0 {
		cfg.Challenge.LoginTTL = 2 * time.Minute
	}
	if cfg.Challenge.RedisPrefix == "" {
		cfg.Challenge.RedisPrefix = "tfc"
	}
	if cfg.Recovery.Count <= 0 {
		cfg.Recovery.Count = 10
	}
	if cfg.Recovery.CodeLength < 8 {
		cfg.Recovery.CodeLength = 16
	}
	if cfg.Audit.BufferSize <= 0 {
		cfg.Audit.BufferSize = 1
	}
	return nil
}
