package goTFA

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/MrEthical07/goTFA/internal/u2f"
	"github.com/go-webauthn/webauthn/webauthn"
)

// verifySnapshot is the credential data Verify reads under the engine
// mutex and validates after releasing it.
type verifySnapshot struct {
	totpLocked    bool
	totpEntries   []Entry[TotpData]
	credentials   []webauthn.Credential
	registrations []U2fRegistration
	yubicoKeys    []string
}

// Verify checks a response against the user's credentials and the issued
// challenge, applying lockout policy. The result is data: authentication
// failures are reported in VerifyResult, not as errors. Errors are
// reserved for unknown users, missing challenges and backend failures.
//
// The engine mutex is released before the challenge store or the Yubico
// API is consulted, so a held challenge lock or a slow validation call
// never wedges unrelated engine operations. The mutex is re-acquired
// only to apply counter and lockout mutations.
//
// The caller must persist the configuration whenever NeedsSaving is set,
// even if Result is false.
func (e *Engine) Verify(ctx context.Context, userid string, challenge *Challenge, response Response, origin string) (VerifyResult, error) {
	if e == nil {
		return VerifyResult{}, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}()

	e.mu.Lock()
	user, ok := e.users[userid]
	if !ok {
		e.mu.Unlock()
		return VerifyResult{}, ErrUserNotFound
	}
	now := e.timeNow()

	// A live full lockout refuses everything up front, mutating nothing.
	if user.TfaLockedUntil != nil && *user.TfaLockedUntil > now.Unix() {
		e.mu.Unlock()
		e.metricInc(MetricVerifyLocked)
		e.emitAudit(ctx, auditEventVerifyLocked, false, userid, origin, nil, nil)
		return VerifyResult{Locked: true}, nil
	}
	snap := verifySnapshot{
		totpLocked:    user.TotpLocked,
		totpEntries:   user.enabledTotpEntries(),
		credentials:   user.enabledWebauthnCredentials(),
		registrations: user.enabledU2fRegistrations(),
		yubicoKeys:    user.enabledYubicoKeys(),
	}
	e.mu.Unlock()

	var matched bool
	var totpWhileLocked bool

	switch response.Kind() {
	case EntryKindTotp:
		if len(snap.totpEntries) == 0 {
			return VerifyResult{}, ErrChallengeMismatch
		}
		if snap.totpLocked {
			totpWhileLocked = true
		} else {
			matched = e.verifyTotpCode(snap.totpEntries, response.Totp, now)
		}

	case EntryKindRecovery:
		// Matching consumes the slot, so it happens under the mutex below.

	case EntryKindWebauthn:
		ok, err := e.verifyWebauthn(userid, snap.credentials, response, origin)
		if err != nil {
			return VerifyResult{}, err
		}
		matched = ok

	case EntryKindU2f:
		ok, err := e.verifyU2f(userid, snap.registrations, challenge, response)
		if err != nil {
			return VerifyResult{}, err
		}
		matched = ok

	case EntryKindYubico:
		ok, err := e.verifyYubico(ctx, snap.yubicoKeys, response.Yubico)
		if err != nil {
			return VerifyResult{}, err
		}
		matched = ok

	default:
		return VerifyResult{}, ErrResponseInvalid
	}

	var result VerifyResult
	var recoveryUsed, recoveryExhausted bool

	e.mu.Lock()
	user, ok = e.users[userid]
	if !ok {
		e.mu.Unlock()
		return VerifyResult{}, ErrUserNotFound
	}

	switch {
	case response.Kind() == EntryKindRecovery:
		consumed, exhausted := consumeRecoveryCode(user, userid, response.Recovery)
		if consumed {
			matched = true
			recoveryUsed = true
			recoveryExhausted = exhausted
			result.NeedsSaving = true
			result.RecoveryExhausted = exhausted
			// A valid recovery code proves an out-of-band secret; it
			// clears both lockout tracks.
			user.TotpFailures = 0
			user.TfaFailures = 0
			user.TotpLocked = false
			user.TfaLockedUntil = nil
		} else {
			e.applyOverallFailure(user, now, &result)
		}

	case totpWhileLocked:
		// TOTP stays refused until recovery or admin unlock, even for
		// correct codes; the attempt still counts against the overall
		// limit.
		e.applyOverallFailure(user, now, &result)
		result.Locked = true

	case response.Kind() == EntryKindTotp:
		if matched {
			if user.TotpFailures > 0 {
				user.TotpFailures = 0
				result.NeedsSaving = true
			}
		} else {
			e.applyTotpFailure(user, &result)
		}

	default:
		if !matched {
			e.applyOverallFailure(user, now, &result)
		}
	}

	result.Result = matched
	if matched && response.Kind() != EntryKindRecovery {
		if user.TfaFailures > 0 {
			user.TfaFailures = 0
			result.NeedsSaving = true
		}
		// Lazily clear an expired full lockout.
		if user.TfaLockedUntil != nil {
			user.TfaLockedUntil = nil
			result.NeedsSaving = true
		}
	}
	e.mu.Unlock()

	if recoveryUsed {
		e.metricInc(MetricRecoveryUsed)
		e.emitAudit(ctx, auditEventRecoveryUsed, true, userid, origin, nil, nil)
		if recoveryExhausted {
			e.metricInc(MetricRecoveryExhausted)
			e.emitAudit(ctx, auditEventRecoveryDepleted, true, userid, origin, nil, nil)
		}
	}
	if result.TotpLimitReached {
		e.emitAudit(ctx, auditEventTotpLockout, false, userid, origin, nil, nil)
	}
	if result.TfaLimitReached {
		e.emitAudit(ctx, auditEventTfaLockout, false, userid, origin, nil, nil)
	}
	if matched {
		e.metricInc(MetricVerifySuccess)
		e.emitAudit(ctx, auditEventVerifySuccess, true, userid, origin, nil, func() map[string]string {
			return map[string]string{"type": string(response.Kind())}
		})
	} else {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventVerifyFailure, false, userid, origin, ErrAuthFailed, func() map[string]string {
			return map[string]string{"type": string(response.Kind())}
		})
	}
	return result, nil
}

// AuthenticationVerify collapses the detailed result into a single hard
// failure signal, the behavior of callers predating VerifyResult. The
// returned needs-saving flag is valid even when the error is set.
func (e *Engine) AuthenticationVerify(ctx context.Context, userid string, challenge *Challenge, response Response, origin string) (bool, error) {
	result, err := e.Verify(ctx, userid, challenge, response, origin)
	if err != nil {
		return result.NeedsSaving, err
	}
	if !result.Result {
		return result.NeedsSaving, ErrAuthFailed
	}
	return result.NeedsSaving, nil
}

func (e *Engine) verifyTotpCode(entries []Entry[TotpData], code string, now time.Time) bool {
	for _, entry := range entries {
		ok, err := e.totp.VerifyCode(entry.Data.URI, code, now)
		if err != nil {
			log.Printf("goTFA: skipping unusable totp entry %q: %v", entry.ID, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (e *Engine) applyTotpFailure(user *UserData, result *VerifyResult) {
	if !e.config.Lockout.Enabled {
		return
	}
	user.TotpFailures++
	result.NeedsSaving = true
	if user.TotpFailures >= e.config.Lockout.TotpFailureLimit {
		user.TotpLocked = true
		result.TotpLimitReached = true
		e.metricInc(MetricTotpLockout)
	}
	e.metricInc(MetricTotpFailure)
}

func (e *Engine) applyOverallFailure(user *UserData, now time.Time, result *VerifyResult) {
	if !e.config.Lockout.Enabled {
		return
	}
	user.TfaFailures++
	result.NeedsSaving = true
	if user.TfaFailures >= e.config.Lockout.FailureLimit {
		until := now.Add(e.config.Lockout.Duration).Unix()
		user.TfaLockedUntil = &until
		result.TfaLimitReached = true
		e.metricInc(MetricTfaLockout)
	}
}

func consumeRecoveryCode(user *UserData, userid, code string) (consumed, exhausted bool) {
	if user.Recovery == nil {
		return false, false
	}
	for i := range user.Recovery.Codes {
		slot := &user.Recovery.Codes[i]
		if slot.Used {
			continue
		}
		if recoveryCodeMatches(userid, code, slot.Hash) {
			slot.Used = true
			return true, user.Recovery.CountAvailable() == 0
		}
	}
	return false, false
}

// verifyWebauthn retrieves the stored login session, clears it on any
// outcome, and validates the client's assertion against it. Called
// without the engine mutex; Open blocks until the per-user challenge
// lock is free.
func (e *Engine) verifyWebauthn(userid string, credentials []webauthn.Credential, response Response, origin string) (bool, error) {
	handler, err := e.buildWebauthn(origin)
	if err != nil {
		return false, err
	}

	handle, err := e.challenges.OpenNoCreate(userid)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	if handle == nil {
		return false, ErrChallengeNotFound
	}
	defer handle.Close()

	auth := handle.Data().WebauthnAuth
	if auth == nil {
		return false, ErrChallengeNotFound
	}
	// Consumed on any outcome so a captured assertion cannot be replayed.
	handle.Data().WebauthnAuth = nil
	if err := handle.Save(); err != nil {
		return false, err
	}

	parsed, err := parseAssertionResponse(response.Webauthn)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	account := &waUser{id: userid, credentials: credentials}
	if _, err := handler.ValidateLogin(account, auth.Session, parsed); err != nil {
		log.Printf("goTFA: webauthn assertion rejected for user %q: %v", userid, err)
		return false, nil
	}
	return true, nil
}

// verifyU2f retrieves the stored sign challenge, clears it on any
// outcome, and checks the device signature against the registration the
// response's key handle claims. Called without the engine mutex.
func (e *Engine) verifyU2f(userid string, registrations []U2fRegistration, challenge *Challenge, response Response) (bool, error) {
	if e.u2fConfig == nil || e.u2fConfig.AppID == "" {
		return false, ErrU2fNotConfigured
	}

	handle, err := e.challenges.OpenNoCreate(userid)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	if handle == nil {
		return false, ErrChallengeNotFound
	}
	defer handle.Close()

	auth := handle.Data().U2fAuth
	if auth == nil {
		return false, ErrChallengeNotFound
	}
	handle.Data().U2fAuth = nil
	if err := handle.Save(); err != nil {
		return false, err
	}
	if challenge != nil && challenge.U2f != nil && challenge.U2f.Challenge != auth.Challenge {
		return false, ErrChallengeMismatch
	}

	var sign struct {
		KeyHandle string `json:"keyHandle"`
	}
	if err := json.Unmarshal(response.U2f, &sign); err != nil {
		return false, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	keyHandle, err := base64.RawURLEncoding.DecodeString(sign.KeyHandle)
	if err != nil {
		return false, fmt.Errorf("%w: bad key handle: %v", ErrResponseInvalid, err)
	}

	for _, reg := range registrations {
		if !bytes.Equal(reg.KeyHandle, keyHandle) {
			continue
		}
		if _, err := u2f.VerifyAuthentication(e.u2fConfig.AppID, auth.Challenge, response.U2f, reg.PublicKey); err != nil {
			log.Printf("goTFA: u2f signature rejected for user %q: %v", userid, err)
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

// verifyYubico validates the OTP with the external verifier. Called
// without the engine mutex; the validation is a network round trip.
func (e *Engine) verifyYubico(ctx context.Context, keys []string, otp string) (bool, error) {
	if e.yubico == nil {
		return false, ErrYubicoUnavailable
	}
	publicID, ok := yubicoPublicID(otp)
	if !ok {
		return false, nil
	}
	known := false
	for _, key := range keys {
		if key == publicID {
			known = true
			break
		}
	}
	if !known {
		return false, nil
	}
	if err := e.yubico.VerifyOTP(ctx, otp); err != nil {
		return false, nil
	}
	return true, nil
}
