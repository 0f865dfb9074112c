package remote

import (
	"io/fs"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// TokenTTL is how long an unused upload id stays valid.
const TokenTTL = time.Hour

// PutTarget is the destination reserved by prepare-put-file.
type PutTarget struct {
	TreeName     string
	RelativePath string
	FileSize     int64
	Mode         fs.FileMode // 0 keeps the mode of an existing file
}

type pendingPut struct {
	target PutTarget
	issued time.Time
}

// TokenStore maps pending upload ids to their targets. Each id is valid for
// exactly one upload within TokenTTL.
type TokenStore struct {
	mu      gosync.Mutex
	pending map[string]pendingPut
	newID   func() string
	now     func() time.Time
}

// NewTokenStore returns an empty store issuing random UUIDs.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		pending: make(map[string]pendingPut),
		newID:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// Issue reserves a new id for target. Expired ids are dropped first.
func (s *TokenStore) Issue(target PutTarget) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)

	id := s.newID()
	for {
		if _, taken := s.pending[id]; !taken {
			break
		}
		id = s.newID()
	}
	s.pending[id] = pendingPut{target: target, issued: now}
	setPendingUploads(len(s.pending))

	return id
}

// Consume returns the target of id and forgets it.
func (s *TokenStore) Consume(id string) (PutTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return PutTarget{}, false
	}
	delete(s.pending, id)
	setPendingUploads(len(s.pending))

	if s.now().Sub(p.issued) > TokenTTL {
		return PutTarget{}, false
	}
	return p.target, true
}

// expire drops ids older than TokenTTL. The caller holds mu.
func (s *TokenStore) expire(now time.Time) {
	for id, p := range s.pending {
		if now.Sub(p.issued) > TokenTTL {
			delete(s.pending, id)
		}
	}
}

// Len is the number of outstanding ids.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
