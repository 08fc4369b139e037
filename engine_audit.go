package goTFA

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventChallengeIssued  = "challenge_issued"
	auditEventVerifySuccess    = "verify_success"
	auditEventVerifyFailure    = "verify_failure"
	auditEventVerifyLocked     = "verify_locked"
	auditEventTotpLockout      = "totp_lockout"
	auditEventTfaLockout       = "tfa_lockout"
	auditEventRecoveryUsed     = "recovery_code_used"
	auditEventRecoveryDepleted = "recovery_codes_depleted"
	auditEventRecoveryCreated  = "recovery_codes_generated"
	auditEventEntryAdded       = "entry_added"
	auditEventEntryUpdated     = "entry_updated"
	auditEventEntryRemoved     = "entry_removed"
	auditEventUserRemoved      = "user_removed"
	auditEventUserUnlocked     = "user_unlocked"
)

type AuditErrorCode string

const (
	auditErrUserNotFound      AuditErrorCode = "user_not_found"
	auditErrEntryNotFound     AuditErrorCode = "entry_not_found"
	auditErrChallengeNotFound AuditErrorCode = "challenge_not_found"
	auditErrChallengeMismatch AuditErrorCode = "challenge_mismatch"
	auditErrAuthFailed        AuditErrorCode = "auth_failed"
	auditErrNotConfigured     AuditErrorCode = "not_configured"
	auditErrResponseInvalid   AuditErrorCode = "response_invalid"
	auditErrLockFailed        AuditErrorCode = "lock_failed"
	auditErrInternal          AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	origin string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Origin:    origin,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrEntryNotFound):
		return auditErrEntryNotFound
	case errors.Is(err, ErrChallengeNotFound):
		return auditErrChallengeNotFound
	case errors.Is(err, ErrChallengeMismatch):
		return auditErrChallengeMismatch
	case errors.Is(err, ErrAuthFailed):
		return auditErrAuthFailed
	case errors.Is(err, ErrWebauthnNotConfigured),
		errors.Is(err, ErrU2fNotConfigured),
		errors.Is(err, ErrYubicoUnavailable):
		return auditErrNotConfigured
	case errors.Is(err, ErrResponseInvalid),
		errors.Is(err, ErrEntryTypeUnknown):
		return auditErrResponseInvalid
	case errors.Is(err, ErrLockFailed):
		return auditErrLockFailed
	default:
		return auditErrInternal
	}
}
