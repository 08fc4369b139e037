package goTFA

import "errors"

var (
	// ErrUserNotFound reports an unknown userid.
	ErrUserNotFound = errors.New("user not found")
	// ErrEntryNotFound reports an unknown entry id for a user.
	ErrEntryNotFound = errors.New("no such entry")
	// ErrEntryTypeUnknown reports an unrecognized TFA entry type name.
	ErrEntryTypeUnknown = errors.New("unrecognized tfa type")
	// ErrParse reports a TFA configuration that is neither valid JSON nor
	// the old line-based format.
	ErrParse = errors.New("failed to parse TFA config, neither old style nor valid json")
	// ErrAuthFailed is the collapsed hard-failure signal returned by
	// AuthenticationVerify when the detailed result is not a success.
	ErrAuthFailed = errors.New("TFA authentication failed")
	// ErrChallengeNotFound reports a verification attempt for which no
	// outstanding challenge exists (never issued, expired, or consumed).
	ErrChallengeNotFound = errors.New("no such challenge")
	// ErrChallengeMismatch reports a response whose factor was not part of
	// the issued challenge.
	ErrChallengeMismatch = errors.New("response does not match the issued challenge")
	// ErrWebauthnNotConfigured reports a WebAuthn operation without a site
	// configuration (relying party / origin).
	ErrWebauthnNotConfigured = errors.New("webauthn not configured")
	// ErrU2fNotConfigured reports a U2F operation without an AppID
	// configuration.
	ErrU2fNotConfigured = errors.New("u2f not configured")
	// ErrYubicoUnavailable reports a Yubico OTP response with no verifier
	// wired into the engine.
	ErrYubicoUnavailable = errors.New("yubico validation unavailable")
	// ErrResponseInvalid reports a response string that does not name a
	// known factor kind.
	ErrResponseInvalid = errors.New("invalid tfa response")
	// ErrLockFailed reports an OS-level failure acquiring the challenge
	// file lock. It is fatal and never retried internally.
	ErrLockFailed = errors.New("failed to lock tfa user challenge data")
	// ErrEngineNotReady reports use of an Engine that was not built.
	ErrEngineNotReady = errors.New("engine not initialized")
)
