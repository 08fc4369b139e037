package goTFA

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Recovery codes are random hex strings shown to the user exactly once,
// formatted in groups of four. Only a salted hash is stored; codes are
// compared case-insensitively with separators ignored.

func canonicalRecoveryCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}

func formatRecoveryCode(code string) string {
	var groups []string
	for len(code) > 4 {
		groups = append(groups, code[:4])
		code = code[4:]
	}
	groups = append(groups, code)
	return strings.Join(groups, "-")
}

func hashRecoveryCode(userid, code string) string {
	sum := sha256.Sum256([]byte(userid + ":" + canonicalRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

func recoveryCodeMatches(userid, code, hash string) bool {
	computed := hashRecoveryCode(userid, code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// generateRecoveryCodes returns the formatted plaintext codes in slot
// order together with their stored hashes.
func generateRecoveryCodes(cfg RecoveryConfig, userid string, created int64) ([]string, *RecoveryEntry, error) {
	plain := make([]string, 0, cfg.Count)
	entry := &RecoveryEntry{Created: created, Codes: make([]RecoveryCode, 0, cfg.Count)}
	for i := 0; i < cfg.Count; i++ {
		raw := make([]byte, (cfg.CodeLength+1)/2)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(raw)[:cfg.CodeLength]
		plain = append(plain, formatRecoveryCode(code))
		entry.Codes = append(entry.Codes, RecoveryCode{Hash: hashRecoveryCode(userid, code)})
	}
	return plain, entry, nil
}
