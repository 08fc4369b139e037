package goTFA

import (
	"context"
	"errors"
	"testing"
	"time"
)

func issueChallenge(t *testing.T, engine *Engine, userid string) *Challenge {
	t.Helper()
	challenge, err := engine.AuthenticationChallenge(context.Background(), userid, "")
	if err != nil {
		t.Fatalf("AuthenticationChallenge failed: %v", err)
	}
	if challenge == nil {
		t.Fatal("expected a challenge")
	}
	return challenge
}

func TestChallengeNilForUnknownOrEmptyUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	challenge, err := engine.AuthenticationChallenge(context.Background(), "nobody@pam", "")
	if err != nil {
		t.Fatalf("AuthenticationChallenge failed: %v", err)
	}
	if challenge != nil {
		t.Fatalf("expected nil challenge for unknown user, got %+v", challenge)
	}
}

func TestTotpOnlyChallengeShape(t *testing.T) {
	engine, _ := newTestEngine(t)
	addTestTotp(t, engine, "alice@pam")

	challenge := issueChallenge(t, engine, "alice@pam")
	if !challenge.Totp {
		t.Fatal("expected totp to be offered")
	}
	if challenge.Webauthn != nil || challenge.U2f != nil || challenge.Yubico {
		t.Fatalf("unexpected factors offered: %+v", challenge)
	}
	if challenge.Recovery == nil || challenge.Recovery.Available {
		t.Fatalf("expected recovery unavailable, got %+v", challenge.Recovery)
	}
}

func TestVerifyTotpSuccessNoSaving(t *testing.T) {
	engine, clock := newTestEngine(t)
	_, uri := addTestTotp(t, engine, "alice@pam")
	challenge := issueChallenge(t, engine, "alice@pam")

	result, err := engine.Verify(context.Background(), "alice@pam", challenge, NewTotpResponse(codeAt(t, uri, clock.Now())), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatal("expected success")
	}
	if result.NeedsSaving {
		t.Fatal("a clean success must not require saving")
	}
}

func TestVerifyUnknownUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Verify(context.Background(), "nobody@pam", nil, NewTotpResponse("000000"), "")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestTotpLockoutEscalation(t *testing.T) {
	engine, clock := newTestEngine(t)
	_, uri := addTestTotp(t, engine, "alice@pam")
	ctx := context.Background()
	limit := int(engine.config.Lockout.TotpFailureLimit)

	for i := 1; i <= limit; i++ {
		result, err := engine.Verify(ctx, "alice@pam", nil, NewTotpResponse("000000"), "")
		if err != nil {
			t.Fatalf("Verify failed on attempt %d: %v", i, err)
		}
		if result.Result {
			t.Fatalf("wrong code accepted on attempt %d", i)
		}
		if !result.NeedsSaving {
			t.Fatalf("failure %d must require saving", i)
		}
		if i < limit && result.TotpLimitReached {
			t.Fatalf("limit reported early on attempt %d", i)
		}
		if i == limit && !result.TotpLimitReached {
			t.Fatalf("expected totp limit on attempt %d", i)
		}
	}

	// Even the correct code is refused while TOTP is locked.
	result, err := engine.Verify(ctx, "alice@pam", nil, NewTotpResponse(codeAt(t, uri, clock.Now())), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Result || !result.Locked {
		t.Fatalf("expected locked refusal, got %+v", result)
	}

	status, err := engine.LockStatusFor("alice@pam")
	if err != nil {
		t.Fatalf("LockStatusFor failed: %v", err)
	}
	if !status.TotpLocked {
		t.Fatal("expected totp-locked in lock status")
	}

	// Administrative unlock restores TOTP.
	changed, err := engine.Unlock(ctx, "alice@pam")
	if err != nil || !changed {
		t.Fatalf("Unlock = (%v, %v), expected change", changed, err)
	}
	result, err = engine.Verify(ctx, "alice@pam", nil, NewTotpResponse(codeAt(t, uri, clock.Now())), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatal("expected success after unlock")
	}
}

func TestRecoveryCodesSingleUse(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	addTestTotp(t, engine, "alice@pam")
	codes, err := engine.AddRecovery(ctx, "alice@pam")
	if err != nil {
		t.Fatalf("AddRecovery failed: %v", err)
	}
	if len(codes) != engine.config.Recovery.Count {
		t.Fatalf("expected %d codes, got %d", engine.config.Recovery.Count, len(codes))
	}

	result, err := engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse(codes[0]), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result || !result.NeedsSaving {
		t.Fatalf("expected consuming success, got %+v", result)
	}

	result, err = engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse(codes[0]), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Result {
		t.Fatal("replayed recovery code accepted")
	}

	result, err = engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse(codes[1]), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatal("unused recovery code rejected")
	}
}

func TestRecoveryCodeToleratesFormatting(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	codes, err := engine.AddRecovery(ctx, "alice@pam")
	if err != nil {
		t.Fatalf("AddRecovery failed: %v", err)
	}

	mangled := " " + canonicalRecoveryCode(codes[0]) + " "
	result, err := engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse(mangled), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatal("canonical form of a valid code rejected")
	}
}

func TestRecoveryClearsLockouts(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()
	_, uri := addTestTotp(t, engine, "alice@pam")
	codes, err := engine.AddRecovery(ctx, "alice@pam")
	if err != nil {
		t.Fatalf("AddRecovery failed: %v", err)
	}

	for i := uint32(0); i < engine.config.Lockout.TotpFailureLimit; i++ {
		if _, err := engine.Verify(ctx, "alice@pam", nil, NewTotpResponse("000000"), ""); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
	}
	status, err := engine.LockStatusFor("alice@pam")
	if err != nil || !status.TotpLocked {
		t.Fatalf("expected totp lock, got (%+v, %v)", status, err)
	}

	result, err := engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse(codes[0]), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result || !result.NeedsSaving {
		t.Fatalf("expected recovery success, got %+v", result)
	}

	result, err = engine.Verify(ctx, "alice@pam", nil, NewTotpResponse(codeAt(t, uri, clock.Now())), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatal("totp still refused after successful recovery")
	}
}

func TestRecoveryExhaustionReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.Count = 1
	clock := newTestClock()
	engine, err := New().WithConfig(cfg).WithClock(clock.Now).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	codes, err := engine.AddRecovery(ctx, "alice@pam")
	if err != nil {
		t.Fatalf("AddRecovery failed: %v", err)
	}
	result, err := engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse(codes[0]), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result || !result.RecoveryExhausted {
		t.Fatalf("expected exhaustion on last code, got %+v", result)
	}
	if has, _ := engine.HasType("alice@pam", EntryKindRecovery); has {
		t.Fatal("HasType(recovery) must be false once all codes are used")
	}
}

func TestFullLockoutWindowAndExpiry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lockout.FailureLimit = 3
	cfg.Lockout.Duration = time.Hour
	clock := newTestClock()
	engine, err := New().WithConfig(cfg).WithClock(clock.Now).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	_, uri := addTestTotp(t, engine, "alice@pam")
	if _, err := engine.AddRecovery(ctx, "alice@pam"); err != nil {
		t.Fatalf("AddRecovery failed: %v", err)
	}

	// Wrong recovery codes count against the overall limit.
	for i := 1; i <= 3; i++ {
		result, verr := engine.Verify(ctx, "alice@pam", nil, NewRecoveryResponse("0000-0000-0000-0000"), "")
		if verr != nil {
			t.Fatalf("Verify failed: %v", verr)
		}
		if i == 3 && !result.TfaLimitReached {
			t.Fatalf("expected tfa limit on attempt %d, got %+v", i, result)
		}
	}

	// Everything is refused inside the window, even correct codes.
	result, err := engine.Verify(ctx, "alice@pam", nil, NewTotpResponse(codeAt(t, uri, clock.Now())), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Locked || result.NeedsSaving {
		t.Fatalf("expected unmutated locked refusal, got %+v", result)
	}

	status, err := engine.LockStatusFor("alice@pam")
	if err != nil || status.TfaLockedUntil == nil {
		t.Fatalf("expected lock window in status, got (%+v, %v)", status, err)
	}

	clock.Advance(time.Hour + time.Minute)

	// Expired window is reported as absent.
	status, err = engine.LockStatusFor("alice@pam")
	if err != nil || status.TfaLockedUntil != nil {
		t.Fatalf("expected expired window omitted, got (%+v, %v)", status, err)
	}

	result, err = engine.Verify(ctx, "alice@pam", nil, NewTotpResponse(codeAt(t, uri, clock.Now())), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatalf("expected success after the window, got %+v", result)
	}
	if !result.NeedsSaving {
		t.Fatal("clearing the expired lock must require saving")
	}
}

func TestAuthenticationVerifyCollapsesFailures(t *testing.T) {
	engine, _ := newTestEngine(t)
	addTestTotp(t, engine, "alice@pam")

	needsSaving, err := engine.AuthenticationVerify(context.Background(), "alice@pam", nil, NewTotpResponse("000000"), "")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if !needsSaving {
		t.Fatal("needs-saving must survive the collapsed failure")
	}
}

func TestWebauthnVerifyWithoutChallenge(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.SetWebauthnConfig(&WebauthnSiteConfig{RP: "Test", ID: "example.com", Origin: "https://example.com"})
	addTestTotp(t, engine, "alice@pam")

	_, err := engine.Verify(context.Background(), "alice@pam", nil, NewWebauthnResponse([]byte(`{}`)), "")
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestYubicoVerifyWithoutVerifier(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := engine.AddYubico(ctx, "bob@pam", "key", "ccccccbchvth"); err != nil {
		t.Fatalf("AddYubico failed: %v", err)
	}
	_, err := engine.Verify(ctx, "bob@pam", nil, NewYubicoResponse("ccccccbchvth"+"cccccccccccccccccccccccccccccccc"), "")
	if !errors.Is(err, ErrYubicoUnavailable) {
		t.Fatalf("expected ErrYubicoUnavailable, got %v", err)
	}
}

func TestVerifyStaysResponsiveWhileChallengeLockHeld(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.SetWebauthnConfig(&WebauthnSiteConfig{RP: "Test", ID: "example.com", Origin: "https://example.com"})
	addTestTotp(t, engine, "alice@pam")

	// Hold alice's challenge lock the way an in-flight registration
	// finish does.
	handle, err := engine.challenges.Open("alice@pam")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	verifyDone := make(chan error, 1)
	go func() {
		_, err := engine.Verify(context.Background(), "alice@pam", nil, NewWebauthnResponse([]byte(`{}`)), "")
		verifyDone <- err
	}()
	// Give the verification time to reach the challenge store and block
	// on the held lock.
	time.Sleep(50 * time.Millisecond)

	// Unrelated engine operations must not queue up behind it.
	usersDone := make(chan struct{})
	go func() {
		engine.Users()
		close(usersDone)
	}()
	select {
	case <-usersDone:
	case <-time.After(2 * time.Second):
		handle.Close()
		t.Fatal("engine wedged while a verification waits on the challenge store")
	}

	handle.Close()
	select {
	case err := <-verifyDone:
		if !errors.Is(err, ErrChallengeNotFound) {
			t.Fatalf("expected ErrChallengeNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("verification never finished after the challenge lock was released")
	}
}

type blockingYubico struct {
	started chan struct{}
	release chan struct{}
}

func (v *blockingYubico) VerifyOTP(ctx context.Context, otp string) error {
	close(v.started)
	<-v.release
	return nil
}

func TestVerifyStaysResponsiveDuringSlowYubicoValidation(t *testing.T) {
	cfg := testConfig(t)
	clock := newTestClock()
	verifier := &blockingYubico{started: make(chan struct{}), release: make(chan struct{})}
	engine, err := New().WithConfig(cfg).WithClock(clock.Now).WithYubicoVerifier(verifier).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	if _, err := engine.AddYubico(ctx, "bob@pam", "key", "ccccccbchvth"); err != nil {
		t.Fatalf("AddYubico failed: %v", err)
	}

	verifyDone := make(chan VerifyResult, 1)
	go func() {
		result, _ := engine.Verify(ctx, "bob@pam", nil,
			NewYubicoResponse("ccccccbchvth"+"cccccccccccccccccccccccccccccccc"), "")
		verifyDone <- result
	}()
	<-verifier.started

	usersDone := make(chan struct{})
	go func() {
		engine.Users()
		close(usersDone)
	}()
	select {
	case <-usersDone:
	case <-time.After(2 * time.Second):
		close(verifier.release)
		t.Fatal("engine wedged during a slow yubico validation")
	}

	close(verifier.release)
	select {
	case result := <-verifyDone:
		if !result.Result {
			t.Fatalf("expected success, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("verification never finished after the validation returned")
	}
}

type stubYubico struct {
	err error
}

func (s stubYubico) VerifyOTP(ctx context.Context, otp string) error { return s.err }

func TestYubicoVerifyChecksDeviceOwnership(t *testing.T) {
	cfg := testConfig(t)
	clock := newTestClock()
	engine, err := New().WithConfig(cfg).WithClock(clock.Now).WithYubicoVerifier(stubYubico{}).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	if _, err := engine.AddYubico(ctx, "bob@pam", "key", "ccccccbchvth"); err != nil {
		t.Fatalf("AddYubico failed: %v", err)
	}

	// OTP from the registered device passes.
	otp := "ccccccbchvth" + "cccccccccccccccccccccccccccccccc"
	result, err := engine.Verify(ctx, "bob@pam", nil, NewYubicoResponse(otp), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Result {
		t.Fatalf("expected success, got %+v", result)
	}

	// OTP from someone else's device fails even though the verifier
	// accepts it.
	other := "ccccccbchvtg" + "cccccccccccccccccccccccccccccccc"
	result, err = engine.Verify(ctx, "bob@pam", nil, NewYubicoResponse(other), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Result {
		t.Fatal("foreign device OTP accepted")
	}
}
