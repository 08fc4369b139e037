package goTFA

import (
	"bytes"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// waUser adapts one user's enabled webauthn credentials to the shape the
// ceremony library expects.
type waUser struct {
	id          string
	credentials []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *waUser) WebAuthnName() string                       { return u.id }
func (u *waUser) WebAuthnDisplayName() string                { return u.id }
func (u *waUser) WebAuthnIcon() string                       { return "" }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// buildWebauthn assembles a ceremony handler from the configured relying
// party. The per-request origin is added to the allowed origins so
// deployments behind multiple hostnames keep working.
func (e *Engine) buildWebauthn(origin string) (*webauthn.WebAuthn, error) {
	cfg := e.webauthnConfig
	if cfg == nil {
		return nil, ErrWebauthnNotConfigured
	}
	origins := make([]string, 0, 2)
	if cfg.Origin != "" {
		origins = append(origins, cfg.Origin)
	}
	if origin != "" && origin != cfg.Origin {
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, ErrWebauthnNotConfigured
	}
	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RP,
		RPID:          cfg.ID,
		RPOrigins:     origins,
	})
}

func parseCreationResponse(raw []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBody(bytes.NewReader(raw))
}

func parseAssertionResponse(raw []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(raw))
}
