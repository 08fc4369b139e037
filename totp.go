package goTFA

import (
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretBytes = 20

type totpManager struct {
	config TOTPConfig
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	return &totpManager{config: cfg}
}

// GenerateSecret creates a fresh TOTP secret and returns its canonical
// otpauth:// URI, which is what gets stored in the entry.
func (m *totpManager) GenerateSecret(account string) (string, error) {
	if m == nil {
		return "", ErrEngineNotReady
	}
	secret := make([]byte, totpSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      m.config.Period,
		Secret:      secret,
		Digits:      otp.Digits(m.config.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// ParseURI validates an otpauth:// URI describing a TOTP key.
func (m *totpManager) ParseURI(uri string) (*otp.Key, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, err
	}
	if key.Type() != "totp" {
		return nil, errors.New("not a totp key uri")
	}
	if key.Secret() == "" {
		return nil, errors.New("totp key uri has no secret")
	}
	return key, nil
}

// BuildURI assembles a canonical otpauth:// URI from a raw secret and
// explicit parameters. Used by the legacy migrator, where secrets are
// stored without any surrounding key metadata.
func (m *totpManager) BuildURI(account string, secret []byte, period uint, digits int) (string, error) {
	if period == 0 {
		period = m.config.Period
	}
	if digits == 0 {
		digits = m.config.Digits
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      period,
		Secret:      secret,
		Digits:      otp.Digits(digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

func validateOpts(key *otp.Key) totp.ValidateOpts {
	period := key.Period()
	if period == 0 {
		period = 30
	}
	digits := key.Digits()
	if digits == 0 {
		digits = otp.DigitsSix
	}
	return totp.ValidateOpts{
		Period:    uint(period),
		Skew:      0,
		Digits:    digits,
		Algorithm: key.Algorithm(),
	}
}

// VerifyCode checks a code against a stored otpauth:// URI. The drift
// window accepts the current time step and up to DriftBackSteps preceding
// steps; codes from future steps are rejected.
func (m *totpManager) VerifyCode(uri, code string, now time.Time) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	key, err := m.ParseURI(uri)
	if err != nil {
		return false, err
	}
	opts := validateOpts(key)
	step := time.Duration(opts.Period) * time.Second
	for i := 0; i <= m.config.DriftBackSteps; i++ {
		ok, err := totp.ValidateCustom(code, key.Secret(), now.Add(-time.Duration(i)*step), opts)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CurrentCode returns the code for the current time step of the given
// otpauth:// URI. Debug helper for test tooling and support sessions.
func (m *totpManager) CurrentCode(uri string, now time.Time) (string, error) {
	key, err := m.ParseURI(uri)
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(key.Secret(), now, validateOpts(key))
}
