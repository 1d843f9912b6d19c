package enrollment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vecino.app/internal/apperr"
	"vecino.app/internal/ids"
)

var _ Store = (*InMemory)(nil)

type InMemory struct {
	mu     sync.Mutex
	tokens map[string]*Token
	audits []AuditEntry
}

func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[string]*Token)}
}

func (s *InMemory) Create(_ context.Context, t Token, audits []AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingLocked(t.UserID) != nil {
		return fmt.Errorf("%w: user %s already has a pending enrollment token", apperr.ErrConflict, t.UserID)
	}
	s.tokens[t.ID] = &t
	s.audits = append(s.audits, audits...)
	return nil
}

func (s *InMemory) Regenerate(_ context.Context, next Token, revoked AuditEntry, audits []AuditEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revokedID string
	if old := s.pendingLocked(next.UserID); old != nil {
		old.Status = StatusRevoked
		revoked.TokenID = old.ID
		s.audits = append(s.audits, revoked)
		revokedID = old.ID
	}
	s.tokens[next.ID] = &next
	s.audits = append(s.audits, audits...)
	return revokedID, nil
}

func (s *InMemory) Get(_ context.Context, id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, fmt.Errorf("%w: enrollment token", apperr.ErrNotFound)
	}
	return copyToken(t), nil
}

func (s *InMemory) FindByHash(_ context.Context, tokenHash string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenHash == tokenHash {
			return copyToken(t), nil
		}
	}
	return Token{}, fmt.Errorf("%w: enrollment token", apperr.ErrNotFound)
}

func (s *InMemory) Consume(_ context.Context, id string, at time.Time, act Activation, audit AuditEntry) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Status != StatusPending || !at.Before(t.ExpiresAt) {
		return Token{}, false, nil
	}
	t.Status = StatusConsumed
	t.ConsumedAt = &at
	t.ActivationIP, t.ActivationUserAgent = act.IP, act.UserAgent
	s.audits = append(s.audits, audit)
	return copyToken(t), true, nil
}

func (s *InMemory) Transition(_ context.Context, id string, from, to Status, audit AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, fmt.Errorf("%w: enrollment token", apperr.ErrNotFound)
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	s.audits = append(s.audits, audit)
	return true, nil
}

func (s *InMemory) ExpireStale(_ context.Context, now time.Time, performedBy string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for _, t := range s.tokens {
		if t.Status != StatusPending || now.Before(t.ExpiresAt) {
			continue
		}
		t.Status = StatusExpired
		s.audits = append(s.audits, AuditEntry{ID: ids.New(), TokenID: t.ID, Action: ActionExpired, PerformedBy: performedBy, OccurredAt: now})
		expired = append(expired, t.ID)
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *InMemory) AuditTrail(_ context.Context, tokenID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, a := range s.audits {
		if a.TokenID == tokenID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemory) FindPending(_ context.Context, userID string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.pendingLocked(userID); t != nil {
		return copyToken(t), nil
	}
	return Token{}, fmt.Errorf("%w: pending enrollment token", apperr.ErrNotFound)
}

// CountPending counts PENDING tokens of a user.
func (s *InMemory) CountPending(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if t.UserID == userID && t.Status == StatusPending {
			n++
		}
	}
	return n
}

func (s *InMemory) pendingLocked(userID string) *Token {
	for _, t := range s.tokens {
		if t.UserID == userID && t.Status == StatusPending {
			return t
		}
	}
	return nil
}

func copyToken(t *Token) Token {
	out := *t
	if t.ConsumedAt != nil {
		c := *t.ConsumedAt
		out.ConsumedAt = &c
	}
	return out
}
