// Package u2f implements server-side verification for the legacy FIDO U2F
// (CTAP1) protocol as exposed by the old browser u2f.register/u2f.sign
// JavaScript API. Only the raw message formats of the U2F v1.2 spec are
// handled; no transport or extension support.
package u2f

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrVerification is returned whenever a registration or authentication
// message fails cryptographic or structural checks.
var ErrVerification = errors.New("u2f verification failed")

// Registration is the durable outcome of a successful registration
// ceremony. KeyHandle and PublicKey are what later authentications need.
type Registration struct {
	KeyHandle   []byte
	PublicKey   []byte
	Certificate []byte
}

// Authentication is the outcome of a successful sign ceremony.
type Authentication struct {
	Counter      uint32
	UserPresence bool
}

type clientData struct {
	Typ       string `json:"typ"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

type registerResponse struct {
	RegistrationData string `json:"registrationData"`
	ClientData       string `json:"clientData"`
	Version          string `json:"version"`
}

type signResponse struct {
	KeyHandle     string `json:"keyHandle"`
	SignatureData string `json:"signatureData"`
	ClientData    string `json:"clientData"`
}

func websafeDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func checkClientData(raw []byte, expectTyp, challenge string) error {
	var cd clientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return fmt.Errorf("%w: bad client data: %v", ErrVerification, err)
	}
	if cd.Typ != expectTyp {
		return fmt.Errorf("%w: unexpected client data type %q", ErrVerification, cd.Typ)
	}
	if cd.Challenge != challenge {
		return fmt.Errorf("%w: challenge mismatch", ErrVerification)
	}
	return nil
}

func verifySignature(pub *ecdsa.PublicKey, signed, sig []byte) error {
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("%w: bad signature", ErrVerification)
	}
	return nil
}

func parsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	// U2F public keys are uncompressed P-256 points: 0x04 || X || Y.
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: malformed public key", ErrVerification)
	}
	der, err := buildSPKI(raw)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an EC key", ErrVerification)
	}
	return ec, nil
}

// buildSPKI wraps a raw uncompressed P-256 point in a SubjectPublicKeyInfo
// so the x509 parser can validate that it is on the curve.
func buildSPKI(point []byte) ([]byte, error) {
	// Fixed DER prefix for an id-ecPublicKey / prime256v1 SPKI with a
	// 65-byte BIT STRING payload.
	prefix := []byte{
		0x30, 0x59,
		0x30, 0x13,
		0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01,
		0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07,
		0x03, 0x42, 0x00,
	}
	if len(point) != 65 {
		return nil, fmt.Errorf("%w: malformed public key", ErrVerification)
	}
	return append(prefix, point...), nil
}

// VerifyRegistration checks a browser u2f.register response against the
// challenge it was issued for and returns the registered key material.
//
// The raw registration message is:
//
//	0x05 || pubkey(65) || khLen(1) || keyHandle || attestation cert (DER) || signature
//
// and the attestation signature covers:
//
//	0x00 || sha256(appID) || sha256(clientData) || keyHandle || pubkey
func VerifyRegistration(appID, challenge string, response []byte) (*Registration, error) {
	var resp registerResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrVerification, err)
	}
	clientDataRaw, err := websafeDecode(resp.ClientData)
	if err != nil {
		return nil, fmt.Errorf("%w: bad client data encoding: %v", ErrVerification, err)
	}
	if err := checkClientData(clientDataRaw, "navigator.id.finishEnrollment", challenge); err != nil {
		return nil, err
	}
	regData, err := websafeDecode(resp.RegistrationData)
	if err != nil {
		return nil, fmt.Errorf("%w: bad registration data encoding: %v", ErrVerification, err)
	}
	if len(regData) < 1+65+1 || regData[0] != 0x05 {
		return nil, fmt.Errorf("%w: malformed registration data", ErrVerification)
	}
	pubkey := regData[1:66]
	khLen := int(regData[66])
	rest := regData[67:]
	if len(rest) < khLen {
		return nil, fmt.Errorf("%w: truncated key handle", ErrVerification)
	}
	keyHandle := rest[:khLen]
	rest = rest[khLen:]

	// The attestation cert and signature are concatenated without a length
	// prefix; recover the cert boundary from its DER header.
	certLen, err := derLength(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: bad attestation cert: %v", ErrVerification, err)
	}
	cert, err := x509.ParseCertificate(rest[:certLen])
	if err != nil {
		return nil, fmt.Errorf("%w: bad attestation cert: %v", ErrVerification, err)
	}
	sig := rest[certLen:]
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: missing attestation signature", ErrVerification)
	}

	certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: attestation cert key is not EC", ErrVerification)
	}

	appHash := sha256.Sum256([]byte(appID))
	cdHash := sha256.Sum256(clientDataRaw)
	signed := bytes.NewBuffer(nil)
	signed.WriteByte(0x00)
	signed.Write(appHash[:])
	signed.Write(cdHash[:])
	signed.Write(keyHandle)
	signed.Write(pubkey)
	if err := verifySignature(certPub, signed.Bytes(), sig); err != nil {
		return nil, err
	}
	// Reject off-curve keys up front rather than at first authentication.
	if _, err := parsePublicKey(pubkey); err != nil {
		return nil, err
	}
	return &Registration{
		KeyHandle:   append([]byte(nil), keyHandle...),
		PublicKey:   append([]byte(nil), pubkey...),
		Certificate: append([]byte(nil), cert.Raw...),
	}, nil
}

// derLength returns the total length of the first DER element in b.
func derLength(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, errors.New("short der")
	}
	l := int(b[1])
	hdr := 2
	if l > 0x80 {
		n := l & 0x7f
		if n > 4 || len(b) < 2+n {
			return 0, errors.New("bad der length")
		}
		l = 0
		for i := 0; i < n; i++ {
			l = l<<8 | int(b[2+i])
		}
		hdr = 2 + n
	} else if l == 0x80 {
		return 0, errors.New("indefinite der length")
	}
	if hdr+l > len(b) {
		return 0, errors.New("truncated der")
	}
	return hdr + l, nil
}

// VerifyAuthentication checks a browser u2f.sign response against the
// issued challenge and the stored public key of the key handle it claims.
//
// The raw signature message is:
//
//	presence(1) || counter(4, big endian) || signature
//
// and the signature covers:
//
//	sha256(appID) || presence || counter || sha256(clientData)
func VerifyAuthentication(appID, challenge string, response, publicKey []byte) (*Authentication, error) {
	var resp signResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrVerification, err)
	}
	clientDataRaw, err := websafeDecode(resp.ClientData)
	if err != nil {
		return nil, fmt.Errorf("%w: bad client data encoding: %v", ErrVerification, err)
	}
	if err := checkClientData(clientDataRaw, "navigator.id.getAssertion", challenge); err != nil {
		return nil, err
	}
	sigData, err := websafeDecode(resp.SignatureData)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature data encoding: %v", ErrVerification, err)
	}
	if len(sigData) < 5 {
		return nil, fmt.Errorf("%w: malformed signature data", ErrVerification)
	}
	presence := sigData[0]
	counter := binary.BigEndian.Uint32(sigData[1:5])
	sig := sigData[5:]

	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	appHash := sha256.Sum256([]byte(appID))
	cdHash := sha256.Sum256(clientDataRaw)
	signed := bytes.NewBuffer(nil)
	signed.Write(appHash[:])
	signed.WriteByte(presence)
	var cbuf [4]byte
	binary.BigEndian.PutUint32(cbuf[:], counter)
	signed.Write(cbuf[:])
	signed.Write(cdHash[:])
	if err := verifySignature(pub, signed.Bytes(), sig); err != nil {
		return nil, err
	}
	if presence&0x01 == 0 {
		return nil, fmt.Errorf("%w: user presence not asserted", ErrVerification)
	}
	return &Authentication{Counter: counter, UserPresence: true}, nil
}

// KeyHandleString encodes a key handle the way the browser API transmits
// it (websafe base64, no padding).
func KeyHandleString(kh []byte) string {
	return base64.RawURLEncoding.EncodeToString(kh)
}
