package goTFA

import (
	"context"
	"strings"
)

// yubicoOTPLength is the fixed length of a Yubico OTP: a 12 character
// modhex public device id followed by a 32 character encrypted part.
const (
	yubicoOTPLength      = 44
	yubicoPublicIDLength = 12
)

// YubicoVerifier validates a full Yubico OTP against the Yubico
// validation API (or a compatible self-hosted endpoint). The engine only
// checks that the OTP's device id belongs to an enabled entry of the
// user; the cryptographic validation is this collaborator's job.
type YubicoVerifier interface {
	VerifyOTP(ctx context.Context, otp string) error
}

func isModhex(s string) bool {
	for _, c := range s {
		// modhex alphabet
		if !strings.ContainsRune("cbdefghijklnrtuv", c) {
			return false
		}
	}
	return true
}

// yubicoPublicID extracts the device id prefix of an OTP. Returns false
// when the OTP is malformed.
func yubicoPublicID(otp string) (string, bool) {
	otp = strings.TrimSpace(otp)
	if len(otp) != yubicoOTPLength || !isModhex(otp) {
		return "", false
	}
	return otp[:yubicoPublicIDLength], true
}
