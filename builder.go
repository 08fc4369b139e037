package goTFA

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Zero or more With* calls, then Build.
type Builder struct {
	config    Config
	configSet bool
	redis     *redis.Client
	yubico    YubicoVerifier
	sink      AuditSink
	now       func() time.Time
}

func New() *Builder {
	return &Builder{}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.configSet = true
	return b
}

// WithRedis switches the challenge store to the redis backend, for
// deployments where login flows span hosts.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithYubicoVerifier wires the external Yubico OTP validation API.
func (b *Builder) WithYubicoVerifier(v YubicoVerifier) *Builder {
	b.yubico = v
	return b
}

// WithAuditSink enables audit dispatch to the given sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	if !b.configSet {
		b.config = defaultConfig()
		b.configSet = true
	}
	b.config.Audit.Enabled = true
	return b
}

// WithClock overrides the time source. Tests only.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Build() (*Engine, error) {
	cfg := b.config
	if !b.configSet {
		cfg = defaultConfig()
	}
	if err := normalizeConfig(&cfg); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	var store challengeStore
	if b.redis != nil {
		store = newRedisChallengeStore(b.redis, cfg.Challenge, now)
	} else {
		store = newFileChallengeStore(cfg.Challenge, now)
	}

	return &Engine{
		config:     cfg,
		users:      map[string]*UserData{},
		challenges: store,
		yubico:     b.yubico,
		totp:       newTOTPManager(cfg.TOTP),
		audit:      newAuditDispatcher(cfg.Audit, b.sink),
		metrics:    NewMetrics(cfg.Metrics),
		now:        now,
	}, nil
}
