package goTFA

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

/*==== REDIS BACKEND ====*/

// redisChallengeStore keeps challenge state in redis so multiple hosts can
// serve the same login flow. Records expire via redis TTLs; writes from
// concurrent ceremonies are serialized per user within a process and
// last-write-wins across processes.
type redisChallengeStore struct {
	client *redis.Client
	cfg    ChallengeConfig
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRedisChallengeStore(client *redis.Client, cfg ChallengeConfig, now func() time.Time) *redisChallengeStore {
	return &redisChallengeStore{
		client: client,
		cfg:    cfg,
		now:    now,
		locks:  map[string]*sync.Mutex{},
	}
}

func (s *redisChallengeStore) key(userid string) string {
	return s.cfg.RedisPrefix + ":challenges:" + userid
}

func (s *redisChallengeStore) userLock(userid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userid] = l
	}
	return l
}

func (s *redisChallengeStore) ttl() time.Duration {
	ttl := s.cfg.RegistrationTTL
	if s.cfg.LoginTTL > ttl {
		ttl = s.cfg.LoginTTL
	}
	return ttl
}

func (s *redisChallengeStore) open(userid string, create bool) (challengeHandle, error) {
	lock := s.userLock(userid)
	lock.Lock()

	ctx := context.Background()
	data := &userChallengeData{}
	raw, err := s.client.Get(ctx, s.key(userid)).Result()
	switch {
	case err == redis.Nil:
		if !create {
			lock.Unlock()
			return nil, nil
		}
	case err != nil:
		lock.Unlock()
		return nil, err
	default:
		if err := json.Unmarshal([]byte(raw), data); err != nil {
			log.Printf("goTFA: corrupt challenge data for user %q, resetting: %v", userid, err)
			data = &userChallengeData{}
		}
	}
	data.prune(s.now(), s.cfg)
	return &redisChallengeHandle{store: s, userid: userid, lock: lock, data: data}, nil
}

func (s *redisChallengeStore) Open(userid string) (challengeHandle, error) {
	return s.open(userid, true)
}

func (s *redisChallengeStore) OpenNoCreate(userid string) (challengeHandle, error) {
	return s.open(userid, false)
}

func (s *redisChallengeStore) Remove(userid string) (bool, error) {
	n, err := s.client.Del(context.Background(), s.key(userid)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type redisChallengeHandle struct {
	store  *redisChallengeStore
	userid string
	lock   *sync.Mutex
	data   *userChallengeData
	closed bool
}

func (h *redisChallengeHandle) Data() *userChallengeData { return h.data }

func (h *redisChallengeHandle) Save() error {
	ctx := context.Background()
	if h.data.isEmpty() {
		return h.store.client.Del(ctx, h.store.key(h.userid)).Err()
	}
	raw, err := json.Marshal(h.data)
	if err != nil {
		return err
	}
	return h.store.client.Set(ctx, h.store.key(h.userid), raw, h.store.ttl()).Err()
}

func (h *redisChallengeHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.lock.Unlock()
}
