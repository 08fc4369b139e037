package goTFA

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrEthical07/goTFA/internal/u2f"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// recoveryEntryID is the fixed entry id of a user's recovery code set,
// since at most one exists per user.
const recoveryEntryID = "recovery"

func newEntry[T any](description string, created int64, data T) Entry[T] {
	return Entry[T]{
		ID:          uuid.NewString(),
		Description: description,
		Created:     created,
		Enable:      true,
		Data:        data,
	}
}

func findEntry[T any](entries []Entry[T], id string) *Entry[T] {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

func removeEntry[T any](entries []Entry[T], id string) ([]Entry[T], bool) {
	for i := range entries {
		if entries[i].ID == id {
			return append(entries[:i], entries[i+1:]...), true
		}
	}
	return entries, false
}

/*==== SINGLE-PHASE FACTORS ====*/

// GenerateTotpURI creates a fresh TOTP secret for an account and returns
// its otpauth:// URI. The caller shows it to the user (QR code) and, once
// the user confirmed enrollment, passes it to AddTotp.
func (e *Engine) GenerateTotpURI(account string) (string, error) {
	return e.totp.GenerateSecret(account)
}

// AddTotp adds a TOTP entry from an otpauth:// URI and returns its id.
func (e *Engine) AddTotp(ctx context.Context, userid, description, uri string) (string, error) {
	if _, err := e.totp.ParseURI(uri); err != nil {
		return "", fmt.Errorf("invalid totp uri: %w", err)
	}

	e.mu.Lock()
	user, _ := e.userForUpdate(userid, true)
	entry := newEntry(description, e.timeNow().Unix(), TotpData{URI: uri})
	user.Totp = append(user.Totp, entry)
	e.mu.Unlock()

	e.metricInc(MetricEntryAdded)
	e.emitAudit(ctx, auditEventEntryAdded, true, userid, "", nil, func() map[string]string {
		return map[string]string{"type": string(EntryKindTotp), "entry": entry.ID}
	})
	return entry.ID, nil
}

// AddYubico adds a yubico entry for a device's 12 character public id.
func (e *Engine) AddYubico(ctx context.Context, userid, description, keyID string) (string, error) {
	if len(keyID) != yubicoPublicIDLength || !isModhex(keyID) {
		return "", fmt.Errorf("invalid yubico key id %q", keyID)
	}

	e.mu.Lock()
	user, _ := e.userForUpdate(userid, true)
	entry := newEntry(description, e.timeNow().Unix(), keyID)
	user.Yubico = append(user.Yubico, entry)
	e.mu.Unlock()

	e.metricInc(MetricEntryAdded)
	e.emitAudit(ctx, auditEventEntryAdded, true, userid, "", nil, func() map[string]string {
		return map[string]string{"type": string(EntryKindYubico), "entry": entry.ID}
	})
	return entry.ID, nil
}

// AddRecovery generates a fresh recovery code set for the user, replacing
// any existing set. The plaintext codes are returned exactly once.
func (e *Engine) AddRecovery(ctx context.Context, userid string) ([]string, error) {
	plain, entry, err := generateRecoveryCodes(e.config.Recovery, userid, e.timeNow().Unix())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	user, _ := e.userForUpdate(userid, true)
	user.Recovery = entry
	e.mu.Unlock()

	e.metricInc(MetricRecoveryGenerated)
	e.emitAudit(ctx, auditEventRecoveryCreated, true, userid, "", nil, nil)
	return plain, nil
}

/*==== TWO-PHASE REGISTRATIONS ====*/

// AddWebauthnRegistration starts a WebAuthn credential registration. The
// returned JSON is the credential creation options for the client; the
// matching session state is stashed in the challenge store keyed by the
// session's challenge string until FinishWebauthnRegistration.
func (e *Engine) AddWebauthnRegistration(ctx context.Context, userid, description, origin string) (string, error) {
	handler, err := e.buildWebauthn(origin)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	user, ok := e.users[userid]
	var credentials []webauthn.Credential
	if ok {
		credentials = user.enabledWebauthnCredentials()
	}
	e.mu.Unlock()

	options, session, err := handler.BeginRegistration(&waUser{id: userid, credentials: credentials})
	if err != nil {
		return "", err
	}

	handle, err := e.challenges.Open(userid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer handle.Close()
	handle.Data().WebauthnRegistrations = append(handle.Data().WebauthnRegistrations, webauthnRegChallenge{
		Challenge:   session.Challenge,
		Description: description,
		Session:     *session,
		Created:     e.timeNow().Unix(),
	})
	if err := handle.Save(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(options)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// FinishWebauthnRegistration validates the authenticator's attestation
// response against the stored session and inserts the new entry. The
// stored challenge is consumed on any outcome.
func (e *Engine) FinishWebauthnRegistration(ctx context.Context, userid, challenge string, response json.RawMessage, origin string) (string, error) {
	handler, err := e.buildWebauthn(origin)
	if err != nil {
		return "", err
	}

	handle, err := e.challenges.OpenNoCreate(userid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	if handle == nil {
		return "", ErrChallengeNotFound
	}
	defer handle.Close()

	reg := handle.Data().takeWebauthnRegistration(challenge)
	if reg == nil {
		return "", ErrChallengeNotFound
	}
	if err := handle.Save(); err != nil {
		return "", err
	}

	parsed, err := parseCreationResponse(response)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	credential, err := handler.CreateCredential(&waUser{id: userid}, reg.Session, parsed)
	if err != nil {
		e.emitAudit(ctx, auditEventEntryAdded, false, userid, origin, err, nil)
		return "", err
	}

	e.mu.Lock()
	user, _ := e.userForUpdate(userid, true)
	entry := newEntry(reg.Description, e.timeNow().Unix(), *credential)
	user.Webauthn = append(user.Webauthn, entry)
	e.mu.Unlock()

	e.metricInc(MetricEntryAdded)
	e.emitAudit(ctx, auditEventEntryAdded, true, userid, origin, nil, func() map[string]string {
		return map[string]string{"type": string(EntryKindWebauthn), "entry": entry.ID}
	})
	return entry.ID, nil
}

func newU2fNonce() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// AddU2fRegistration starts a legacy U2F registration, returning the
// registration request JSON for the browser U2F API.
func (e *Engine) AddU2fRegistration(ctx context.Context, userid, description string) (string, error) {
	if e.u2fConfig == nil || e.u2fConfig.AppID == "" {
		return "", ErrU2fNotConfigured
	}
	nonce, err := newU2fNonce()
	if err != nil {
		return "", err
	}

	handle, err := e.challenges.Open(userid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer handle.Close()
	handle.Data().U2fRegistrations = append(handle.Data().U2fRegistrations, u2fRegChallenge{
		Challenge:   nonce,
		Description: description,
		Created:     e.timeNow().Unix(),
	})
	if err := handle.Save(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(struct {
		Challenge string `json:"challenge"`
		AppID     string `json:"appId"`
		Version   string `json:"version"`
	}{nonce, e.u2fConfig.AppID, "U2F_V2"})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// FinishU2fRegistration validates the device's registration response and
// inserts the new entry. The stored challenge is consumed on any outcome.
func (e *Engine) FinishU2fRegistration(ctx context.Context, userid, challenge string, response json.RawMessage) (string, error) {
	if e.u2fConfig == nil || e.u2fConfig.AppID == "" {
		return "", ErrU2fNotConfigured
	}

	handle, err := e.challenges.OpenNoCreate(userid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	if handle == nil {
		return "", ErrChallengeNotFound
	}
	defer handle.Close()

	reg := handle.Data().takeU2fRegistration(challenge)
	if reg == nil {
		return "", ErrChallengeNotFound
	}
	if err := handle.Save(); err != nil {
		return "", err
	}

	registration, err := u2f.VerifyRegistration(e.u2fConfig.AppID, challenge, response)
	if err != nil {
		e.emitAudit(ctx, auditEventEntryAdded, false, userid, "", err, nil)
		return "", err
	}

	e.mu.Lock()
	user, _ := e.userForUpdate(userid, true)
	entry := newEntry(reg.Description, e.timeNow().Unix(), U2fRegistration{
		KeyHandle: registration.KeyHandle,
		PublicKey: registration.PublicKey,
		Version:   "U2F_V2",
	})
	user.U2f = append(user.U2f, entry)
	e.mu.Unlock()

	e.metricInc(MetricEntryAdded)
	e.emitAudit(ctx, auditEventEntryAdded, true, userid, "", nil, func() map[string]string {
		return map[string]string{"type": string(EntryKindU2f), "entry": entry.ID}
	})
	return entry.ID, nil
}

/*==== LISTING AND MUTATION ====*/

// ListEntries returns the envelopes of all entries of one user, including
// disabled ones. The recovery set, when present, is listed under the fixed
// id "recovery".
func (e *Engine) ListEntries(userid string) ([]TypedEntryInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[userid]
	if !ok {
		return nil, ErrUserNotFound
	}

	var out []TypedEntryInfo
	for i := range user.Totp {
		out = append(out, TypedEntryInfo{Type: EntryKindTotp, EntryInfo: user.Totp[i].info()})
	}
	for i := range user.Webauthn {
		out = append(out, TypedEntryInfo{Type: EntryKindWebauthn, EntryInfo: user.Webauthn[i].info()})
	}
	for i := range user.U2f {
		out = append(out, TypedEntryInfo{Type: EntryKindU2f, EntryInfo: user.U2f[i].info()})
	}
	for i := range user.Yubico {
		out = append(out, TypedEntryInfo{Type: EntryKindYubico, EntryInfo: user.Yubico[i].info()})
	}
	if user.Recovery != nil {
		out = append(out, TypedEntryInfo{Type: EntryKindRecovery, EntryInfo: EntryInfo{
			ID:          recoveryEntryID,
			Description: "one-time recovery codes",
			Created:     user.Recovery.Created,
			Enable:      true,
		}})
	}
	return out, nil
}

// GetEntry returns one entry's envelope by id.
func (e *Engine) GetEntry(userid, id string) (*TypedEntryInfo, error) {
	entries, err := e.ListEntries(userid)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, ErrEntryNotFound
}

// UpdateEntry patches an entry's description and/or enable flag. Nil
// means leave unchanged. The recovery set cannot be updated.
func (e *Engine) UpdateEntry(ctx context.Context, userid, id string, description *string, enable *bool) error {
	e.mu.Lock()
	user, ok := e.users[userid]
	if !ok {
		e.mu.Unlock()
		return ErrUserNotFound
	}

	updated := false
	if entry := findEntry(user.Totp, id); entry != nil {
		applyEntryPatch(&entry.Description, &entry.Enable, description, enable)
		updated = true
	} else if entry := findEntry(user.Webauthn, id); entry != nil {
		applyEntryPatch(&entry.Description, &entry.Enable, description, enable)
		updated = true
	} else if entry := findEntry(user.U2f, id); entry != nil {
		applyEntryPatch(&entry.Description, &entry.Enable, description, enable)
		updated = true
	} else if entry := findEntry(user.Yubico, id); entry != nil {
		applyEntryPatch(&entry.Description, &entry.Enable, description, enable)
		updated = true
	}
	e.mu.Unlock()

	if !updated {
		return ErrEntryNotFound
	}
	e.emitAudit(ctx, auditEventEntryUpdated, true, userid, "", nil, func() map[string]string {
		return map[string]string{"entry": id}
	})
	return nil
}

func applyEntryPatch(description *string, enable *bool, newDescription *string, newEnable *bool) {
	if newDescription != nil {
		*description = *newDescription
	}
	if newEnable != nil {
		*enable = *newEnable
	}
}

// DeleteEntry removes one entry by id and reports whether the user still
// has any entries left, so callers can decide to drop the user entirely.
func (e *Engine) DeleteEntry(ctx context.Context, userid, id string) (bool, error) {
	e.mu.Lock()
	user, ok := e.users[userid]
	if !ok {
		e.mu.Unlock()
		return false, ErrUserNotFound
	}

	removed := false
	if id == recoveryEntryID && user.Recovery != nil {
		user.Recovery = nil
		removed = true
	}
	if !removed {
		user.Totp, removed = removeEntry(user.Totp, id)
	}
	if !removed {
		user.Webauthn, removed = removeEntry(user.Webauthn, id)
	}
	if !removed {
		user.U2f, removed = removeEntry(user.U2f, id)
	}
	if !removed {
		user.Yubico, removed = removeEntry(user.Yubico, id)
	}
	remaining := !user.IsEmpty()
	e.mu.Unlock()

	if !removed {
		return remaining, ErrEntryNotFound
	}
	e.metricInc(MetricEntryRemoved)
	e.emitAudit(ctx, auditEventEntryRemoved, true, userid, "", nil, func() map[string]string {
		return map[string]string{"entry": id}
	})
	return remaining, nil
}

// HasType reports whether a user has at least one enabled entry of a
// kind. Recovery counts only while unused codes remain.
func (e *Engine) HasType(userid string, kind EntryKind) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[userid]
	if !ok {
		return false, ErrUserNotFound
	}
	switch kind {
	case EntryKindTotp:
		return len(user.enabledTotpEntries()) > 0, nil
	case EntryKindWebauthn:
		return len(user.enabledWebauthnCredentials()) > 0, nil
	case EntryKindU2f:
		return len(user.enabledU2fRegistrations()) > 0, nil
	case EntryKindYubico:
		return len(user.enabledYubicoKeys()) > 0, nil
	case EntryKindRecovery:
		return user.Recovery.CountAvailable() > 0, nil
	default:
		return false, ErrEntryTypeUnknown
	}
}

// CurrentTotpCode returns the current code of a stored TOTP entry.
// Debug helper for support sessions; requires Debug mode.
func (e *Engine) CurrentTotpCode(userid, id string) (string, error) {
	if !e.config.Debug {
		return "", ErrEngineNotReady
	}
	e.mu.Lock()
	user, ok := e.users[userid]
	if !ok {
		e.mu.Unlock()
		return "", ErrUserNotFound
	}
	entry := findEntry(user.Totp, id)
	if entry == nil {
		e.mu.Unlock()
		return "", ErrEntryNotFound
	}
	uri := entry.Data.URI
	e.mu.Unlock()
	return e.totp.CurrentCode(uri, e.timeNow())
}
