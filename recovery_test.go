package goTFA

import (
	"strings"
	"testing"
)

func TestRecoveryHashSaltedByUser(t *testing.T) {
	h1 := hashRecoveryCode("alice@pam", "abcd-efgh")
	h2 := hashRecoveryCode("bob@pam", "abcd-efgh")
	if h1 == h2 {
		t.Fatal("expected different hashes for different users")
	}
}

func TestRecoveryCanonicalization(t *testing.T) {
	if canonicalRecoveryCode(" AB-CD 12 ") != "abcd12" {
		t.Fatalf("unexpected canonical form: %q", canonicalRecoveryCode(" AB-CD 12 "))
	}
	if hashRecoveryCode("u", "ABCD-1234") != hashRecoveryCode("u", "abcd1234") {
		t.Fatal("formatting must not affect the hash")
	}
}

func TestGenerateRecoveryCodesShape(t *testing.T) {
	cfg := RecoveryConfig{Count: 10, CodeLength: 16}
	plain, entry, err := generateRecoveryCodes(cfg, "alice@pam", 12345)
	if err != nil {
		t.Fatalf("generateRecoveryCodes failed: %v", err)
	}
	if len(plain) != 10 || len(entry.Codes) != 10 {
		t.Fatalf("expected 10 codes, got %d/%d", len(plain), len(entry.Codes))
	}
	if entry.Created != 12345 {
		t.Fatalf("created timestamp lost: %d", entry.Created)
	}
	seen := map[string]bool{}
	for i, code := range plain {
		if len(canonicalRecoveryCode(code)) != 16 {
			t.Fatalf("code %d has wrong length: %q", i, code)
		}
		if !strings.Contains(code, "-") {
			t.Fatalf("code %d not formatted in groups: %q", i, code)
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %q", code)
		}
		seen[code] = true
		if !recoveryCodeMatches("alice@pam", code, entry.Codes[i].Hash) {
			t.Fatalf("code %d does not match its own hash", i)
		}
		if entry.Codes[i].Used {
			t.Fatalf("fresh code %d marked used", i)
		}
	}
}
