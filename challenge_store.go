package goTFA

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"golang.org/x/sys/unix"
)

/*==== IN-FLIGHT CHALLENGE STATE ====*/

type webauthnRegChallenge struct {
	Challenge   string               `json:"challenge"`
	Description string               `json:"description"`
	Session     webauthn.SessionData `json:"session"`
	Created     int64                `json:"created"`
}

type webauthnAuthChallenge struct {
	Session webauthn.SessionData `json:"session"`
	Created int64                `json:"created"`
}

type u2fRegChallenge struct {
	Challenge   string `json:"challenge"`
	Description string `json:"description"`
	Created     int64  `json:"created"`
}

type u2fAuthChallenge struct {
	Challenge string `json:"challenge"`
	Created   int64  `json:"created"`
}

// userChallengeData is the per-user record of challenges that have been
// issued but not yet answered. It outlives the issuing process, so it is
// persisted by a challengeStore rather than held in memory.
type userChallengeData struct {
	WebauthnRegistrations []webauthnRegChallenge `json:"webauthn-registrations,omitempty"`
	WebauthnAuth          *webauthnAuthChallenge `json:"webauthn-auth,omitempty"`
	U2fRegistrations      []u2fRegChallenge      `json:"u2f-registrations,omitempty"`
	U2fAuth               *u2fAuthChallenge      `json:"u2f-auth,omitempty"`
}

func (d *userChallengeData) isEmpty() bool {
	return len(d.WebauthnRegistrations) == 0 && d.WebauthnAuth == nil &&
		len(d.U2fRegistrations) == 0 && d.U2fAuth == nil
}

// prune drops challenges older than their TTL. Called on every open so
// stale state never accumulates.
func (d *userChallengeData) prune(now time.Time, cfg ChallengeConfig) {
	regCutoff := now.Add(-cfg.RegistrationTTL).Unix()
	loginCutoff := now.Add(-cfg.LoginTTL).Unix()

	kept := d.WebauthnRegistrations[:0]
	for _, c := range d.WebauthnRegistrations {
		if c.Created >= regCutoff {
			kept = append(kept, c)
		}
	}
	d.WebauthnRegistrations = kept
	if len(d.WebauthnRegistrations) == 0 {
		d.WebauthnRegistrations = nil
	}

	keptU2f := d.U2fRegistrations[:0]
	for _, c := range d.U2fRegistrations {
		if c.Created >= regCutoff {
			keptU2f = append(keptU2f, c)
		}
	}
	d.U2fRegistrations = keptU2f
	if len(d.U2fRegistrations) == 0 {
		d.U2fRegistrations = nil
	}

	if d.WebauthnAuth != nil && d.WebauthnAuth.Created < loginCutoff {
		d.WebauthnAuth = nil
	}
	if d.U2fAuth != nil && d.U2fAuth.Created < loginCutoff {
		d.U2fAuth = nil
	}
}

// takeWebauthnRegistration removes and returns the registration challenge
// matching the given challenge string, or nil.
func (d *userChallengeData) takeWebauthnRegistration(challenge string) *webauthnRegChallenge {
	for i, c := range d.WebauthnRegistrations {
		if c.Challenge == challenge {
			out := c
			d.WebauthnRegistrations = append(d.WebauthnRegistrations[:i], d.WebauthnRegistrations[i+1:]...)
			return &out
		}
	}
	return nil
}

func (d *userChallengeData) takeU2fRegistration(challenge string) *u2fRegChallenge {
	for i, c := range d.U2fRegistrations {
		if c.Challenge == challenge {
			out := c
			d.U2fRegistrations = append(d.U2fRegistrations[:i], d.U2fRegistrations[i+1:]...)
			return &out
		}
	}
	return nil
}

/*==== STORE INTERFACE ====*/

// challengeHandle is an exclusively locked view of one user's challenge
// data. Mutate via Data, persist with Save, and always Close.
type challengeHandle interface {
	Data() *userChallengeData
	Save() error
	Close()
}

// challengeStore persists in-flight challenge state per user. Open blocks
// until it holds an exclusive per-user lock; the lock is released by
// Close on the returned handle.
type challengeStore interface {
	// Open locks and loads the user's challenge data, creating an empty
	// record if none exists.
	Open(userid string) (challengeHandle, error)
	// OpenNoCreate is like Open but returns (nil, nil) when the user has
	// no stored challenge data.
	OpenNoCreate(userid string) (challengeHandle, error)
	// Remove deletes the user's challenge data, reporting whether
	// anything existed.
	Remove(userid string) (bool, error)
}

/*==== FILE BACKEND ====*/

// fileChallengeStore keeps one JSON file per user under a runtime
// directory, serialized by blocking advisory flock. This is the default
// backend for single-host deployments.
type fileChallengeStore struct {
	cfg ChallengeConfig
	now func() time.Time
}

func newFileChallengeStore(cfg ChallengeConfig, now func() time.Time) *fileChallengeStore {
	return &fileChallengeStore{cfg: cfg, now: now}
}

// userFilename encodes the user id so arbitrary ids cannot escape the
// challenge directory.
func (s *fileChallengeStore) userFilename(userid string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(userid))
	return filepath.Join(s.cfg.Dir, "challenges-"+name+".json")
}

func (s *fileChallengeStore) open(userid string, create bool) (challengeHandle, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return nil, err
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(s.userFilename(userid), flags, 0o600)
	if err != nil {
		if !create && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, err
	}

	handle := &fileChallengeHandle{file: file, data: &userChallengeData{}}
	raw, err := os.ReadFile(file.Name())
	if err != nil {
		file.Close()
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, handle.data); err != nil {
			// A corrupt challenge file only ever invalidates in-flight
			// logins, so start over instead of failing the whole login.
			log.Printf("goTFA: corrupt challenge data for user %q, resetting: %v", userid, err)
			handle.data = &userChallengeData{}
		}
	}
	handle.data.prune(s.now(), s.cfg)
	return handle, nil
}

func (s *fileChallengeStore) Open(userid string) (challengeHandle, error) {
	return s.open(userid, true)
}

func (s *fileChallengeStore) OpenNoCreate(userid string) (challengeHandle, error) {
	return s.open(userid, false)
}

func (s *fileChallengeStore) Remove(userid string) (bool, error) {
	err := os.Remove(s.userFilename(userid))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type fileChallengeHandle struct {
	file *os.File
	data *userChallengeData
}

func (h *fileChallengeHandle) Data() *userChallengeData { return h.data }

func (h *fileChallengeHandle) Save() error {
	raw, err := json.Marshal(h.data)
	if err != nil {
		return err
	}
	if _, err := h.file.Seek(0, 0); err != nil {
		return err
	}
	if err := unix.Ftruncate(int(h.file.Fd()), 0); err != nil {
		return err
	}
	_, err = h.file.Write(raw)
	return err
}

func (h *fileChallengeHandle) Close() {
	// Closing the file releases the flock.
	if err := h.file.Close(); err != nil {
		log.Printf("goTFA: failed to close challenge file: %v", err)
	}
}
