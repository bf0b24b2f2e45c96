package store

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LockToken identifies one acquisition of a channel lock.
type LockToken uint64

type channelLock struct {
	token     LockToken
	expiresAt time.Time
}

// AcquireChannelLock takes the advisory lock on a channel if it is free or
// expired. The lock releases itself after timeout. It is a scheduling hint
// only; nothing in the store depends on it.
func (s *Store) AcquireChannelLock(id common.Hash, timeout time.Duration) (LockToken, bool) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	now := s.clock.Now()
	if l, ok := s.locks[id]; ok && now.Before(l.expiresAt) {
		return 0, false
	}
	s.nextLockToken++
	s.locks[id] = channelLock{token: s.nextLockToken, expiresAt: now.Add(timeout)}
	return s.nextLockToken, true
}

// ReleaseChannelLock releases the lock if token still owns it.
func (s *Store) ReleaseChannelLock(id common.Hash, token LockToken) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if l, ok := s.locks[id]; ok && l.token == token {
		delete(s.locks, id)
	}
}
