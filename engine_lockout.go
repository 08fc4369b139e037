package goTFA

import "context"

// LockStatusFor returns the reportable lockout state of one user. An
// expired full lockout is reported as absent; clearing the stored value
// is left to the next successful verification.
func (e *Engine) LockStatusFor(userid string) (LockStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, ok := e.users[userid]
	if !ok {
		return LockStatus{}, ErrUserNotFound
	}
	return e.lockStatusLocked(user), nil
}

// LockStatusAll returns the lockout state of every user with anything to
// report.
func (e *Engine) LockStatusAll() map[string]LockStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string]LockStatus{}
	for userid, user := range e.users {
		status := e.lockStatusLocked(user)
		if status.TotpLocked || status.TfaLockedUntil != nil {
			out[userid] = status
		}
	}
	return out
}

func (e *Engine) lockStatusLocked(user *UserData) LockStatus {
	status := LockStatus{TotpLocked: user.TotpLocked}
	if user.TfaLockedUntil != nil && *user.TfaLockedUntil > e.timeNow().Unix() {
		until := *user.TfaLockedUntil
		status.TfaLockedUntil = &until
	}
	return status
}

// Unlock clears all lockout state for a user. Reports whether anything
// changed, which doubles as needs-saving.
func (e *Engine) Unlock(ctx context.Context, userid string) (bool, error) {
	e.mu.Lock()
	user, ok := e.users[userid]
	if !ok {
		e.mu.Unlock()
		return false, ErrUserNotFound
	}
	changed := user.TotpLocked || user.TfaLockedUntil != nil ||
		user.TotpFailures > 0 || user.TfaFailures > 0
	user.TotpLocked = false
	user.TfaLockedUntil = nil
	user.TotpFailures = 0
	user.TfaFailures = 0
	e.mu.Unlock()

	if changed {
		e.metricInc(MetricUnlock)
		e.emitAudit(ctx, auditEventUserUnlocked, true, userid, "", nil, nil)
	}
	return changed, nil
}
