package goTFA

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Engine holds the in-memory TFA configuration for all users and drives
// challenge issuance and verification against it. The engine never writes
// the configuration itself: every mutating operation reports (directly or
// via VerifyResult.NeedsSaving) when the caller must persist the output
// of Write.
//
// All exported methods are safe for concurrent use within one process.
// Cross-process consistency of the configuration is the caller's job
// (whole-file replace guarded by Digest); only the challenge store is
// shared between processes, guarded by per-user file locks.
type Engine struct {
	config Config

	mu    sync.Mutex
	users map[string]*UserData

	webauthnConfig *WebauthnSiteConfig
	u2fConfig      *U2fSiteConfig

	challenges challengeStore
	yubico     YubicoVerifier
	totp       *totpManager
	audit      *auditDispatcher
	metrics    *Metrics

	now func() time.Time
}

// configFile is the on-disk shape of the configuration store.
type configFile struct {
	Users    map[string]*UserData `json:"users"`
	U2f      *U2fSiteConfig       `json:"u2f,omitempty"`
	Webauthn *WebauthnSiteConfig  `json:"webauthn,omitempty"`
}

// Load replaces the engine's configuration from serialized bytes. JSON is
// tried first, then the legacy line format; if neither parses the load
// fails with ErrParse and the previous state is kept.
func (e *Engine) Load(raw []byte) error {
	if e == nil {
		return ErrEngineNotReady
	}

	var users map[string]*UserData
	var u2fSite *U2fSiteConfig
	var webauthnSite *WebauthnSiteConfig

	if len(strings.TrimSpace(string(raw))) == 0 {
		users = map[string]*UserData{}
	} else {
		var file configFile
		if err := json.Unmarshal(raw, &file); err == nil {
			users = file.Users
			u2fSite = file.U2f
			webauthnSite = file.Webauthn
		} else {
			legacy, lerr := e.ParseLegacyConfig(raw)
			if lerr != nil {
				return ErrParse
			}
			users = legacy
		}
	}

	if users == nil {
		users = map[string]*UserData{}
	}
	for userid, user := range users {
		if user.IsEmpty() && !user.TotpLocked && user.TfaLockedUntil == nil {
			delete(users, userid)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = users
	// Products that keep the site configuration elsewhere inject it via
	// SetU2fConfig/SetWebauthnConfig; anything found in the file is stale.
	if e.config.PersistSiteConfig {
		e.u2fConfig = u2fSite
		e.webauthnConfig = webauthnSite
	}
	return nil
}

// Write serializes the configuration store. The site configuration is
// included only when the engine owns it (PersistSiteConfig).
func (e *Engine) Write() ([]byte, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	file := configFile{Users: e.users}
	if e.config.PersistSiteConfig {
		file.U2f = e.u2fConfig
		file.Webauthn = e.webauthnConfig
	}
	return json.Marshal(&file)
}

// Digest returns the hex sha256 of the serialized configuration, for
// callers implementing modified-since-read checks.
func (e *Engine) Digest() (string, error) {
	raw, err := e.Write()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of the engine sharing the same stores, sinks
// and configuration. Used for per-worker in-memory snapshots.
func (e *Engine) Clone() (*Engine, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	users := make(map[string]*UserData, len(e.users))
	for userid, user := range e.users {
		copied, err := copyUserData(user)
		if err != nil {
			return nil, err
		}
		users[userid] = copied
	}

	clone := &Engine{
		config:     e.config,
		users:      users,
		challenges: e.challenges,
		yubico:     e.yubico,
		totp:       e.totp,
		audit:      e.audit,
		metrics:    e.metrics,
		now:        e.now,
	}
	if e.u2fConfig != nil {
		cfg := *e.u2fConfig
		clone.u2fConfig = &cfg
	}
	if e.webauthnConfig != nil {
		cfg := *e.webauthnConfig
		clone.webauthnConfig = &cfg
	}
	return clone, nil
}

func copyUserData(u *UserData) (*UserData, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var out UserData
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Users lists all userids present in the store, sorted.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.users))
	for userid := range e.users {
		out = append(out, userid)
	}
	sort.Strings(out)
	return out
}

// GetUser returns a deep copy of one user's TFA data.
func (e *Engine) GetUser(userid string) (*UserData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[userid]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUserData(user)
}

// RemoveUser drops a user and best-effort deletes their challenge data.
// Reports whether the user existed, which doubles as needs-saving.
func (e *Engine) RemoveUser(ctx context.Context, userid string) bool {
	e.mu.Lock()
	_, ok := e.users[userid]
	delete(e.users, userid)
	e.mu.Unlock()

	if _, err := e.challenges.Remove(userid); err != nil {
		log.Printf("goTFA: failed to remove challenge data for user %q: %v", userid, err)
	}
	if ok {
		e.metricInc(MetricUserRemoved)
		e.emitAudit(ctx, auditEventUserRemoved, true, userid, "", nil, nil)
	}
	return ok
}

// SetU2fConfig injects the site-wide U2F configuration after Load. Used
// by products that keep it outside the TFA configuration file.
func (e *Engine) SetU2fConfig(cfg *U2fSiteConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.u2fConfig = cfg
}

// SetWebauthnConfig injects the site-wide WebAuthn configuration after
// Load.
func (e *Engine) SetWebauthnConfig(cfg *WebauthnSiteConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.webauthnConfig = cfg
}

// YubicoKeys returns the user's enabled yubico key ids space-joined, the
// shape legacy single-factor callers expect.
func (e *Engine) YubicoKeys(userid string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[userid]
	if !ok {
		return "", ErrUserNotFound
	}
	return strings.Join(user.enabledYubicoKeys(), " "), nil
}

// RecoveryState reports recovery code availability for a user; nil user
// or no recovery set yields the zero state.
func (e *Engine) RecoveryState(userid string) RecoveryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[userid]
	if !ok {
		return RecoveryState{}
	}
	return user.recoveryState()
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports audit events discarded due to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// MetricsSnapshot returns current counter values.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// userForUpdate returns the user record, creating it when create is set.
// Caller must hold e.mu.
func (e *Engine) userForUpdate(userid string, create bool) (*UserData, bool) {
	user, ok := e.users[userid]
	if !ok {
		if !create {
			return nil, false
		}
		user = &UserData{}
		e.users[userid] = user
	}
	return user, true
}

func (e *Engine) timeNow() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}
