package goTFA

import (
	"encoding/json"
	"strings"

	"github.com/go-webauthn/webauthn/webauthn"
)

// EntryKind names a second-factor type.
type EntryKind string

const (
	// EntryKindTotp is a time-based OTP secret.
	EntryKindTotp EntryKind = "totp"
	// EntryKindWebauthn is a WebAuthn public-key credential.
	EntryKindWebauthn EntryKind = "webauthn"
	// EntryKindU2f is a legacy U2F registration.
	EntryKindU2f EntryKind = "u2f"
	// EntryKindYubico is a Yubico OTP device id validated via the Yubico API.
	EntryKindYubico EntryKind = "yubico"
	// EntryKindRecovery is the per-user set of one-time recovery codes.
	EntryKindRecovery EntryKind = "recovery"
)

// ParseEntryKind maps a type name to an EntryKind. "oath" is accepted as an
// alias for "totp" for legacy callers.
func ParseEntryKind(name string) (EntryKind, error) {
	switch name {
	case "totp", "oath":
		return EntryKindTotp, nil
	case "webauthn":
		return EntryKindWebauthn, nil
	case "u2f":
		return EntryKindU2f, nil
	case "yubico":
		return EntryKindYubico, nil
	case "recovery":
		return EntryKindRecovery, nil
	default:
		return "", ErrEntryTypeUnknown
	}
}

// Entry is the common envelope around a single second-factor credential.
// IDs are unique within a user across all factor types, so a delete by id
// is unambiguous. Disabled entries stay listed for management UIs but are
// excluded from challenges and HasType.
type Entry[T any] struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Created     int64  `json:"created"`
	Enable      bool   `json:"enable"`
	Data        T      `json:"data"`
}

func (e *Entry[T]) info() EntryInfo {
	return EntryInfo{
		ID:          e.ID,
		Description: e.Description,
		Created:     e.Created,
		Enable:      e.Enable,
	}
}

// EntryInfo is the envelope of an entry without its credential data,
// as exposed by ListEntries and GetEntry.
type EntryInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Created     int64  `json:"created"`
	Enable      bool   `json:"enable"`
}

// TypedEntryInfo pairs an entry envelope with its factor type.
type TypedEntryInfo struct {
	Type EntryKind `json:"type"`
	EntryInfo
}

// TotpData is the credential payload of a TOTP entry: a canonical
// otpauth:// URI carrying secret, period, digits and algorithm.
type TotpData struct {
	URI string `json:"uri"`
}

// U2fRegistration is the credential payload of a legacy U2F entry.
type U2fRegistration struct {
	KeyHandle []byte `json:"key-handle"`
	PublicKey []byte `json:"public-key"`
	Version   string `json:"version"`
}

// RecoveryCode is one slot of a recovery set. Once Used flips to true it
// never flips back.
type RecoveryCode struct {
	Hash string `json:"hash"`
	Used bool   `json:"used,omitempty"`
}

// RecoveryEntry is the per-user set of one-time recovery codes. At most one
// exists per user; adding a new set replaces the old one wholesale.
type RecoveryEntry struct {
	Created int64          `json:"created"`
	Codes   []RecoveryCode `json:"codes"`
}

// CountAvailable returns the number of not-yet-used codes.
func (r *RecoveryEntry) CountAvailable() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, c := range r.Codes {
		if !c.Used {
			n++
		}
	}
	return n
}

// UserData aggregates all second-factor entries and lockout state for one
// user. The JSON field names are the stable cross-language wire format of
// the configuration file; unknown fields are ignored on load.
type UserData struct {
	Totp     []Entry[TotpData]            `json:"totp,omitempty"`
	Webauthn []Entry[webauthn.Credential] `json:"webauthn,omitempty"`
	U2f      []Entry[U2fRegistration]     `json:"u2f,omitempty"`
	Yubico   []Entry[string]              `json:"yubico,omitempty"`
	Recovery *RecoveryEntry               `json:"recovery,omitempty"`

	// TotpLocked is set once repeated TOTP failures exceed the limit and
	// cleared only by an administrative unlock or a successful recovery
	// code.
	TotpLocked bool `json:"totp-locked,omitempty"`
	// TfaLockedUntil blocks all factor verification until the given unix
	// timestamp. A value in the past counts as unlocked.
	TfaLockedUntil *int64 `json:"tfa-locked-until,omitempty"`

	TotpFailures uint32 `json:"totp-failures,omitempty"`
	TfaFailures  uint32 `json:"tfa-failures,omitempty"`
}

// IsEmpty reports whether the user has no entries of any kind.
func (u *UserData) IsEmpty() bool {
	return u == nil ||
		len(u.Totp) == 0 &&
			len(u.Webauthn) == 0 &&
			len(u.U2f) == 0 &&
			len(u.Yubico) == 0 &&
			u.Recovery == nil
}

func (u *UserData) enabledTotpEntries() []Entry[TotpData] {
	var out []Entry[TotpData]
	for _, e := range u.Totp {
		if e.Enable {
			out = append(out, e)
		}
	}
	return out
}

func (u *UserData) enabledWebauthnCredentials() []webauthn.Credential {
	var out []webauthn.Credential
	for _, e := range u.Webauthn {
		if e.Enable {
			out = append(out, e.Data)
		}
	}
	return out
}

func (u *UserData) enabledU2fRegistrations() []U2fRegistration {
	var out []U2fRegistration
	for _, e := range u.U2f {
		if e.Enable {
			out = append(out, e.Data)
		}
	}
	return out
}

func (u *UserData) enabledYubicoKeys() []string {
	var out []string
	for _, e := range u.Yubico {
		if e.Enable {
			out = append(out, e.Data)
		}
	}
	return out
}

// RecoveryState summarizes recovery code availability for a challenge.
type RecoveryState struct {
	Available bool `json:"available"`
	Remaining int  `json:"remaining"`
}

func (u *UserData) recoveryState() RecoveryState {
	n := u.Recovery.CountAvailable()
	return RecoveryState{Available: n > 0, Remaining: n}
}

// WebauthnSiteConfig is the site-wide WebAuthn relying-party configuration
// shared across all users.
type WebauthnSiteConfig struct {
	// RP is the relying party display name.
	RP string `json:"rp"`
	// ID is the relying party id (usually the domain).
	ID string `json:"id"`
	// Origin is the fixed request origin. When empty, the per-request
	// origin passed to challenge and verify calls is used instead.
	Origin string `json:"origin,omitempty"`
}

// U2fSiteConfig is the site-wide legacy U2F configuration.
type U2fSiteConfig struct {
	AppID  string `json:"appid"`
	Origin string `json:"origin,omitempty"`
}

// U2fRegisteredKey describes one key handle a U2F client may sign with.
type U2fRegisteredKey struct {
	KeyHandle string `json:"keyHandle"`
	Version   string `json:"version"`
}

// U2fChallenge is the U2F portion of an authentication challenge, shaped
// for the browser U2F API.
type U2fChallenge struct {
	Challenge      string             `json:"challenge"`
	AppID          string             `json:"appId"`
	RegisteredKeys []U2fRegisteredKey `json:"registeredKeys"`
}

// Challenge enumerates the factors a user may answer with. It is returned
// to the caller as-is (JSON) and passed back unmodified to Verify. TOTP and
// Yubico are stateless and carry only availability flags; WebAuthn and U2F
// carry the protocol payload whose counterpart is stashed in the
// per-user challenge store.
type Challenge struct {
	Totp     bool            `json:"totp,omitempty"`
	Webauthn json.RawMessage `json:"webauthn,omitempty"`
	U2f      *U2fChallenge   `json:"u2f,omitempty"`
	Yubico   bool            `json:"yubico,omitempty"`
	Recovery *RecoveryState  `json:"recovery,omitempty"`
}

// Response is a reply to exactly one factor of a challenge.
type Response struct {
	Totp     string
	Webauthn json.RawMessage
	U2f      json.RawMessage
	Yubico   string
	Recovery string

	kind EntryKind
}

// Kind reports which factor the response answers.
func (r Response) Kind() EntryKind { return r.kind }

// NewTotpResponse builds a TOTP code response.
func NewTotpResponse(code string) Response {
	return Response{Totp: code, kind: EntryKindTotp}
}

// NewWebauthnResponse builds a WebAuthn assertion response from the raw
// JSON produced by the client.
func NewWebauthnResponse(assertion json.RawMessage) Response {
	return Response{Webauthn: assertion, kind: EntryKindWebauthn}
}

// NewU2fResponse builds a U2F signature response from the raw JSON
// produced by the browser U2F API.
func NewU2fResponse(signature json.RawMessage) Response {
	return Response{U2f: signature, kind: EntryKindU2f}
}

// NewYubicoResponse builds a Yubico OTP response.
func NewYubicoResponse(otp string) Response {
	return Response{Yubico: otp, kind: EntryKindYubico}
}

// NewRecoveryResponse builds a recovery code response.
func NewRecoveryResponse(code string) Response {
	return Response{Recovery: code, kind: EntryKindRecovery}
}

// ParseResponse parses the "<kind>:<payload>" wire format used by callers
// that transport the response as a single string.
func ParseResponse(s string) (Response, error) {
	kind, payload, ok := strings.Cut(s, ":")
	if !ok {
		return Response{}, ErrResponseInvalid
	}
	switch kind {
	case "totp":
		return NewTotpResponse(payload), nil
	case "webauthn":
		return NewWebauthnResponse(json.RawMessage(payload)), nil
	case "u2f":
		return NewU2fResponse(json.RawMessage(payload)), nil
	case "yubico":
		return NewYubicoResponse(payload), nil
	case "recovery":
		return NewRecoveryResponse(payload), nil
	default:
		return Response{}, ErrResponseInvalid
	}
}

// VerifyResult is the outcome of a verification attempt. The JSON field
// names match the cross-language result hash of the calling service.
type VerifyResult struct {
	// Result is true only on a successful verification.
	Result bool `json:"result"`
	// NeedsSaving reports that the credential configuration changed
	// (consumed recovery slot, failure counters, lockout flags) and must
	// be persisted by the caller.
	NeedsSaving bool `json:"needs-saving"`
	// TotpLimitReached reports that this attempt tripped the TOTP lock.
	TotpLimitReached bool `json:"totp-limit-reached"`
	// TfaLimitReached reports that this attempt tripped the full lockout.
	TfaLimitReached bool `json:"tfa-limit-reached"`
	// Locked reports that verification was refused outright: the user is
	// inside a full lockout window (nothing mutated) or supplied a TOTP
	// code while TOTP is locked (counted against the overall limit).
	Locked bool `json:"locked,omitempty"`
	// RecoveryExhausted is set when a successful recovery verification
	// consumed the user's last remaining code.
	RecoveryExhausted bool `json:"recovery-exhausted,omitempty"`
}

// LockStatus is the reportable lockout state of one user. TfaLockedUntil
// is omitted once it lies in the past.
type LockStatus struct {
	TotpLocked     bool   `json:"totp-locked,omitempty"`
	TfaLockedUntil *int64 `json:"tfa-locked-until,omitempty"`
}
