package goTFA

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func codeAt(t *testing.T, uri string, at time.Time) string {
	t.Helper()
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		t.Fatalf("parse uri failed: %v", err)
	}
	code, err := totp.GenerateCodeCustom(key.Secret(), at, totp.ValidateOpts{
		Period:    uint(key.Period()),
		Digits:    key.Digits(),
		Algorithm: key.Algorithm(),
	})
	if err != nil {
		t.Fatalf("generate code failed: %v", err)
	}
	return code
}

func TestTotpManagerGeneratesParsableURI(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "goTFA", Period: 30, Digits: 6, DriftBackSteps: 1})
	uri, err := m.GenerateSecret("alice@pam")
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	key, err := m.ParseURI(uri)
	if err != nil {
		t.Fatalf("ParseURI failed: %v", err)
	}
	if key.Period() != 30 {
		t.Fatalf("expected period 30, got %d", key.Period())
	}
}

func TestTotpWindowOneStepBack(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "goTFA", Period: 30, Digits: 6, DriftBackSteps: 1})
	uri, err := m.GenerateSecret("alice@pam")
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	// Pin the base time to a step boundary so the offsets are exact.
	base := time.Unix(1700000010, 0).Truncate(30 * time.Second)
	code := codeAt(t, uri, base)

	ok, err := m.VerifyCode(uri, code, base)
	if err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	if !ok {
		t.Fatal("code must be accepted at its own step")
	}

	ok, err = m.VerifyCode(uri, code, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	if !ok {
		t.Fatal("code must still be accepted one step later")
	}

	ok, err = m.VerifyCode(uri, code, base.Add(60*time.Second))
	if err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	if ok {
		t.Fatal("code must be rejected two steps later")
	}
}

func TestTotpFutureCodesRejected(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "goTFA", Period: 30, Digits: 6, DriftBackSteps: 1})
	uri, err := m.GenerateSecret("alice@pam")
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	base := time.Unix(1700000010, 0).Truncate(30 * time.Second)
	future := codeAt(t, uri, base.Add(30*time.Second))
	ok, err := m.VerifyCode(uri, future, base)
	if err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	if ok {
		t.Fatal("codes from future steps must be rejected")
	}
}

func TestTotpRejectsNonTotpURI(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "goTFA", Period: 30, Digits: 6})
	if _, err := m.ParseURI("otpauth://hotp/x:y?secret=GEZDGNBV&counter=0"); err == nil {
		t.Fatal("expected hotp uri to be rejected")
	}
	if _, err := m.ParseURI("http://example.com"); err == nil {
		t.Fatal("expected non otpauth uri to be rejected")
	}
}

func TestCurrentCodeMatchesGenerated(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "goTFA", Period: 30, Digits: 6, DriftBackSteps: 1})
	uri, err := m.GenerateSecret("alice@pam")
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	at := time.Unix(1700000000, 0)
	code, err := m.CurrentCode(uri, at)
	if err != nil {
		t.Fatalf("CurrentCode failed: %v", err)
	}
	if code != codeAt(t, uri, at) {
		t.Fatal("CurrentCode disagrees with direct generation")
	}
}
