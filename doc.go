// Package goTFA implements a multi-factor authentication configuration and
// challenge-verification engine: per-user second-factor credential storage
// (TOTP, WebAuthn, legacy U2F, Yubico OTP device ids, one-time recovery
// codes), combined authentication challenges, response verification with
// lockout policy, and short-lived per-user challenge state persisted safely
// across concurrent processes.
//
// The package is designed for multi-process server workloads: several
// worker processes may operate on the same on-disk state concurrently.
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// goTFA is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (UserData, Challenge, VerifyResult, LockStatus, etc.).
// Raw U2F signature verification lives under internal/ and is never
// exported.
//
// # What this package must NOT do
//
//   - Speak HTTP. Challenge and response payloads cross the API as JSON;
//     the calling service owns the transport.
//   - Persist the credential configuration itself. Write reports the
//     serialized form and Verify reports whether it needs saving; the
//     caller owns the file and its optimistic-concurrency digest.
//   - Validate Yubico OTPs locally. That is a network call behind
//     [YubicoVerifier].
//
// # Concurrency contract
//
// The credential store is guarded by an in-process mutex. The only state
// shared across processes is the per-user challenge data, which is
// serialized by an exclusive advisory file lock (or by the optional Redis
// backend). The challenge lock is never held across a round trip to the
// authenticating client, and the in-process mutex is never held while
// waiting on a challenge lock or an external validation call.
package goTFA
