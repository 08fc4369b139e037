package goTFA

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
)

/*==== LEGACY ONE-FACTOR-PER-USER FORMAT ====*/

// The old config format is one line per user: USER:TYPE:BASE64(JSON).
// TYPE is one of u2f, oath, yubico. Each user has exactly one factor.

const legacyEntryDescription = "<old version 1 entry>"

// flexInt tolerates numbers serialized as JSON strings, which the old
// perl writer produced for oath step/digits.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected a number, got %q", s)
	}
	*f = flexInt(n)
	return nil
}

func (f flexInt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(f))), nil
}

type legacyOathConfig struct {
	Step   flexInt `json:"step"`
	Digits flexInt `json:"digits"`
}

type legacyOathData struct {
	Keys   string            `json:"keys"`
	Config *legacyOathConfig `json:"config,omitempty"`
}

type legacyU2fData struct {
	KeyHandle string `json:"keyHandle"`
	PublicKey string `json:"publicKey"`
}

type legacyYubicoData struct {
	Keys string `json:"keys"`
}

func splitLegacyKeys(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ';' || r == '\t'
	})
}

// decodeLegacySecret decodes an oath secret from the old format. Secrets
// are prefixed "v2-0x" (hex) or "v2-" (base32); unprefixed values are
// inferred: 40 hex chars means hex, 16 chars means base32.
func decodeLegacySecret(s string) ([]byte, error) {
	base32dec := base32.StdEncoding.WithPadding(base32.NoPadding)
	switch {
	case strings.HasPrefix(s, "v2-0x"):
		return hex.DecodeString(s[5:])
	case strings.HasPrefix(s, "v2-"):
		return base32dec.DecodeString(strings.ToUpper(s[3:]))
	case len(s) == 40:
		raw, err := hex.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("40 character secret is not hex: %v", err)
	case len(s) == 16:
		return base32dec.DecodeString(strings.ToUpper(s))
	default:
		return nil, fmt.Errorf("unrecognized secret format (%d chars)", len(s))
	}
}

func legacyEntry[T any](data T) Entry[T] {
	return Entry[T]{
		ID:          uuid.NewString(),
		Description: legacyEntryDescription,
		Created:     0,
		Enable:      true,
		Data:        data,
	}
}

func (e *Engine) legacyOathEntries(userid string, raw []byte) ([]Entry[TotpData], error) {
	var data legacyOathData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	var step, digits int
	if data.Config != nil {
		step = int(data.Config.Step)
		digits = int(data.Config.Digits)
	}
	keys := splitLegacyKeys(data.Keys)
	entries := make([]Entry[TotpData], 0, len(keys))
	for _, key := range keys {
		secret, err := decodeLegacySecret(key)
		if err != nil {
			return nil, err
		}
		uri, err := e.totp.BuildURI(userid, secret, uint(step), digits)
		if err != nil {
			return nil, err
		}
		entries = append(entries, legacyEntry(TotpData{URI: uri}))
	}
	return entries, nil
}

func legacyU2fEntry(raw []byte) (*Entry[U2fRegistration], error) {
	// Lines with an in-progress "challenge" key are abandoned partial
	// registrations and get dropped; anything else unexpected is an error.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe["challenge"]; ok {
		return nil, nil
	}
	for key := range probe {
		if key != "keyHandle" && key != "publicKey" && key != "version" {
			return nil, fmt.Errorf("unexpected key %q in u2f entry", key)
		}
	}
	var data legacyU2fData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	keyHandle, err := base64.RawURLEncoding.DecodeString(data.KeyHandle)
	if err != nil {
		return nil, fmt.Errorf("bad u2f key handle: %v", err)
	}
	publicKey, err := base64.StdEncoding.DecodeString(data.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("bad u2f public key: %v", err)
	}
	entry := legacyEntry(U2fRegistration{
		KeyHandle: keyHandle,
		PublicKey: publicKey,
		Version:   "U2F_V2",
	})
	return &entry, nil
}

// ParseLegacyConfig parses the old line-based config format into user
// records. Blank lines and #-comments are ignored; unknown entry types
// are a hard error.
func (e *Engine) ParseLegacyConfig(raw []byte) (map[string]*UserData, error) {
	users := map[string]*UserData{}
	for n, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: line %d: expected 'user:type:data'", ErrParse, n+1)
		}
		userid := strings.TrimSpace(parts[0])
		entryType := strings.TrimSpace(parts[1])
		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad base64: %v", ErrParse, n+1, err)
		}
		user := users[userid]
		if user == nil {
			user = &UserData{}
			users[userid] = user
		}
		switch entryType {
		case "u2f":
			entry, err := legacyU2fEntry(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrParse, n+1, err)
			}
			if entry != nil {
				user.U2f = append(user.U2f, *entry)
			}
		case "oath":
			entries, err := e.legacyOathEntries(userid, payload)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrParse, n+1, err)
			}
			user.Totp = append(user.Totp, entries...)
		case "yubico":
			var data legacyYubicoData
			if err := json.Unmarshal(payload, &data); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrParse, n+1, err)
			}
			for _, key := range splitLegacyKeys(data.Keys) {
				user.Yubico = append(user.Yubico, legacyEntry(key))
			}
		default:
			return nil, fmt.Errorf("%w: line %d: unknown entry type %q", ErrParse, n+1, entryType)
		}
	}
	for userid, user := range users {
		if user.IsEmpty() {
			delete(users, userid)
		}
	}
	return users, nil
}

/*==== PROJECTION BACK TO THE LEGACY SHAPE ====*/

// LegacyProjection is the single-factor view of a user record for callers
// that predate multi-factor records. Type "incompatible" means the user
// has factors but none of them can be expressed in the old format, and
// such consumers must refuse login for that user.
type LegacyProjection struct {
	Type string
	Data any
}

func totpSecretHex(uri string) (secret []byte, period uint64, digits int, err error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, 0, 0, err
	}
	base32dec := base32.StdEncoding.WithPadding(base32.NoPadding)
	secret, err = base32dec.DecodeString(strings.ToUpper(key.Secret()))
	if err != nil {
		return nil, 0, 0, err
	}
	period = key.Period()
	if period == 0 {
		period = 30
	}
	digits = int(key.Digits())
	if digits == 0 {
		digits = 6
	}
	return secret, period, digits, nil
}

// ProjectToLegacy reduces a user record to at most one legacy factor:
// first U2F entry, else all TOTP secrets as one multi-key oath value,
// else all yubico ids space-joined. Returns nil for an empty record.
func ProjectToLegacy(user *UserData) (*LegacyProjection, error) {
	if u2f := user.enabledU2fRegistrations(); len(u2f) > 0 {
		return &LegacyProjection{Type: "u2f", Data: legacyU2fData{
			KeyHandle: base64.RawURLEncoding.EncodeToString(u2f[0].KeyHandle),
			PublicKey: base64.StdEncoding.EncodeToString(u2f[0].PublicKey),
		}}, nil
	}
	if totps := user.enabledTotpEntries(); len(totps) > 0 {
		keys := make([]string, 0, len(totps))
		var step, digits int
		for i, entry := range totps {
			secret, period, d, err := totpSecretHex(entry.Data.URI)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				step, digits = int(period), d
			}
			keys = append(keys, "v2-0x"+hex.EncodeToString(secret))
		}
		return &LegacyProjection{Type: "oath", Data: legacyOathData{
			Keys:   strings.Join(keys, " "),
			Config: &legacyOathConfig{Step: flexInt(step), Digits: flexInt(digits)},
		}}, nil
	}
	if yubico := user.enabledYubicoKeys(); len(yubico) > 0 {
		return &LegacyProjection{Type: "yubico", Data: legacyYubicoData{
			Keys: strings.Join(yubico, " "),
		}}, nil
	}
	if !user.IsEmpty() {
		return &LegacyProjection{Type: "incompatible"}, nil
	}
	return nil, nil
}

// FormatLegacyConfig serializes user records into the old line format.
// Users whose projection is "incompatible" cannot be represented and are
// skipped; callers wanting to refuse such logins use ProjectToLegacy
// directly.
func FormatLegacyConfig(users map[string]*UserData) (string, error) {
	userids := make([]string, 0, len(users))
	for userid := range users {
		userids = append(userids, userid)
	}
	sort.Strings(userids)

	var out strings.Builder
	for _, userid := range userids {
		user := users[userid]
		proj, err := ProjectToLegacy(user)
		if err != nil {
			return "", err
		}
		if proj == nil || proj.Type == "incompatible" {
			continue
		}
		raw, err := json.Marshal(proj.Data)
		if err != nil {
			return "", err
		}
		out.WriteString(userid)
		out.WriteByte(':')
		out.WriteString(proj.Type)
		out.WriteByte(':')
		out.WriteString(base64.StdEncoding.EncodeToString(raw))
		out.WriteByte('\n')
	}
	return out.String(), nil
}
