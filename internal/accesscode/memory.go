package accesscode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vecino.app/internal/apperr"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with a single mutex standing in for row locks.
type InMemory struct {
	mu     sync.Mutex
	codes  map[string]*AccessCode
	byHash map[string]string
	logs   []ScanLog
	logIDs map[string]struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{
		codes:  make(map[string]*AccessCode),
		byHash: make(map[string]string),
		logIDs: make(map[string]struct{}),
	}
}

func (s *InMemory) Create(_ context.Context, c AccessCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[c.CodeHash]; ok {
		return fmt.Errorf("%w: access code hash", apperr.ErrConflict)
	}
	if _, ok := s.codes[c.ID]; ok {
		return fmt.Errorf("%w: access code %s", apperr.ErrConflict, c.ID)
	}
	s.codes[c.ID] = &c
	s.byHash[c.CodeHash] = c.ID
	return nil
}

func (s *InMemory) Get(_ context.Context, id string) (AccessCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return AccessCode{}, fmt.Errorf("%w: access code", apperr.ErrNotFound)
	}
	return copyCode(c), nil
}

func (s *InMemory) FindByHash(_ context.Context, codeHash string) (AccessCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[codeHash]
	if !ok {
		return AccessCode{}, fmt.Errorf("%w: access code", apperr.ErrNotFound)
	}
	return copyCode(s.codes[id]), nil
}

func (s *InMemory) ConsumeEntry(_ context.Context, id string, now time.Time, l ScanLog) (AccessCode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return AccessCode{}, false, nil
	}
	if _, logged := s.logIDs[l.ID]; logged {
		return copyCode(c), true, nil
	}
	if c.Status != StatusActive || c.EntriesUsed >= c.MaxEntries || now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return AccessCode{}, false, nil
	}
	c.EntriesUsed++
	if c.EntriesUsed >= c.MaxEntries {
		c.Status = StatusUsed
	}
	s.appendLocked(l)
	return copyCode(c), true, nil
}

func (s *InMemory) MarkExpired(_ context.Context, id string, l ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.codes[id]; ok && c.Status == StatusActive {
		c.Status = StatusExpired
	}
	s.appendLocked(l)
	return nil
}

func (s *InMemory) Revoke(_ context.Context, id string, at time.Time) (AccessCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return AccessCode{}, fmt.Errorf("%w: access code", apperr.ErrNotFound)
	}
	if c.Status != StatusActive {
		return AccessCode{}, fmt.Errorf("%w: access code is %s", apperr.ErrInvalidState, c.Status)
	}
	c.Status = StatusRevoked
	c.RevokedAt = &at
	return copyCode(c), nil
}

func (s *InMemory) AppendScanLog(_ context.Context, l ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(l)
	return nil
}

func (s *InMemory) appendLocked(l ScanLog) {
	if _, ok := s.logIDs[l.ID]; ok {
		return
	}
	s.logIDs[l.ID] = struct{}{}
	s.logs = append(s.logs, l)
}

func (s *InMemory) ScanLogs(_ context.Context, accessCodeID string) ([]ScanLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScanLog
	for _, l := range s.logs {
		if l.AccessCodeID == accessCodeID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScannedAt.Before(out[j].ScannedAt) })
	return out, nil
}

// AllScanLogs returns every appended row, including unmatched scans.
func (s *InMemory) AllScanLogs() []ScanLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScanLog(nil), s.logs...)
}

func copyCode(c *AccessCode) AccessCode {
	out := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
