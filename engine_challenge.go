package goTFA

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
)

// AuthenticationChallenge builds the combined login challenge for a user,
// or nil when the user has no enabled second factors. WebAuthn and U2F
// challenge state is written to the per-user challenge store so the
// verification, possibly in another process, can recall it. Two
// concurrent calls serialize on the store lock; the later one's stored
// challenge wins.
func (e *Engine) AuthenticationChallenge(ctx context.Context, userid, origin string) (*Challenge, error) {
	e.mu.Lock()
	user, ok := e.users[userid]
	if !ok || user.IsEmpty() {
		e.mu.Unlock()
		return nil, nil
	}

	totpAvailable := !user.TotpLocked && len(user.enabledTotpEntries()) > 0
	credentials := user.enabledWebauthnCredentials()
	registrations := user.enabledU2fRegistrations()
	yubicoAvailable := len(user.enabledYubicoKeys()) > 0
	recovery := user.recoveryState()
	e.mu.Unlock()

	challenge := &Challenge{
		Totp:     totpAvailable,
		Yubico:   yubicoAvailable,
		Recovery: &recovery,
	}

	var handle challengeHandle
	openStore := func() error {
		if handle != nil {
			return nil
		}
		var err error
		handle, err = e.challenges.Open(userid)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLockFailed, err)
		}
		return nil
	}

	if len(credentials) > 0 && e.webauthnConfig != nil {
		handler, err := e.buildWebauthn(origin)
		if err != nil {
			return nil, err
		}
		options, session, err := handler.BeginLogin(&waUser{id: userid, credentials: credentials})
		if err != nil {
			return nil, err
		}
		if err := openStore(); err != nil {
			return nil, err
		}
		handle.Data().WebauthnAuth = &webauthnAuthChallenge{
			Session: *session,
			Created: e.timeNow().Unix(),
		}
		raw, err := json.Marshal(options)
		if err != nil {
			handle.Close()
			return nil, err
		}
		challenge.Webauthn = raw
	}

	if len(registrations) > 0 && e.u2fConfig != nil && e.u2fConfig.AppID != "" {
		nonce, err := newU2fNonce()
		if err != nil {
			if handle != nil {
				handle.Close()
			}
			return nil, err
		}
		if err := openStore(); err != nil {
			return nil, err
		}
		handle.Data().U2fAuth = &u2fAuthChallenge{
			Challenge: nonce,
			Created:   e.timeNow().Unix(),
		}
		keys := make([]U2fRegisteredKey, 0, len(registrations))
		for _, reg := range registrations {
			keys = append(keys, U2fRegisteredKey{
				KeyHandle: base64.RawURLEncoding.EncodeToString(reg.KeyHandle),
				Version:   "U2F_V2",
			})
		}
		challenge.U2f = &U2fChallenge{
			Challenge:      nonce,
			AppID:          e.u2fConfig.AppID,
			RegisteredKeys: keys,
		}
	}

	if handle != nil {
		err := handle.Save()
		handle.Close()
		if err != nil {
			return nil, err
		}
	}

	if !challenge.Totp && challenge.Webauthn == nil && challenge.U2f == nil &&
		!challenge.Yubico && !recovery.Available {
		// Entries exist but none is currently answerable (e.g. TOTP locked
		// with no other factors).
		log.Printf("goTFA: no answerable factors for user %q", userid)
		return nil, nil
	}

	e.metricInc(MetricChallengeIssued)
	e.emitAudit(ctx, auditEventChallengeIssued, true, userid, origin, nil, nil)
	return challenge, nil
}
