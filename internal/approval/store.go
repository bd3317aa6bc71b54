// Package approval holds tool calls that need a human decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clawnix/internal/domain"
)

const namespace = "approvals"

// ErrNotFound is returned for unknown approval ids.
var ErrNotFound = errors.New("approval request not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusAllowed Status = "allowed"
	StatusDenied  Status = "denied"
)

type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

type Request struct {
	ID        string     `json:"id"`
	Tool      string     `json:"tool"`
	Input     string     `json:"input"`
	Session   string     `json:"session"`
	Requester string     `json:"requester"`
	Status    Status     `json:"status"`
	DecidedBy string     `json:"decidedBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

// Store persists approval requests in the agent's state store.
type Store struct {
	state domain.StateStore
	mu    sync.Mutex
	now   func() time.Time
}

func NewStore(state domain.StateStore) *Store {
	return &Store{state: state, now: time.Now}
}

// Create stores req as pending, assigning an id if it has none.
func (s *Store) Create(ctx context.Context, req Request) (Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusPending
	req.DecidedBy = ""
	req.DecidedAt = nil
	req.CreatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.SetJSON(ctx, namespace, req.ID, req); err != nil {
		return Request{}, fmt.Errorf("create approval: %w", err)
	}
	return req, nil
}

// Decide records the first decision for id. Later calls leave the record
// untouched and report false.
func (s *Store) Decide(ctx context.Context, id string, d Decision, by string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.get(ctx, id)
	if err != nil {
		return Request{}, false, err
	}
	if req.Status != StatusPending {
		return req, false, nil
	}

	now := s.now().UTC()
	req.Status = StatusDenied
	if d == Allow {
		req.Status = StatusAllowed
	}
	req.DecidedBy = by
	req.DecidedAt = &now
	if err := s.state.SetJSON(ctx, namespace, id, req); err != nil {
		return Request{}, false, fmt.Errorf("decide approval %s: %w", id, err)
	}
	return req, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (Request, error) {
	var req Request
	found, err := s.state.GetJSON(ctx, namespace, id, &req)
	if err != nil {
		return Request{}, fmt.Errorf("load approval %s: %w", id, err)
	}
	if !found {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return req, nil
}

// Pending returns undecided requests, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending(ctx)
}

func (s *Store) pending(ctx context.Context) ([]Request, error) {
	keys, err := s.state.Keys(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	var out []Request
	for _, k := range keys {
		req, err := s.get(ctx, k)
		if err != nil {
			return nil, err
		}
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExpireOlderThan denies, with no author, every pending request older than maxAge.
func (s *Store) ExpireOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pending(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	cutoff := now.Add(-maxAge)
	expired := 0
	for _, req := range pending {
		if !req.CreatedAt.Before(cutoff) {
			continue
		}
		req.Status = StatusDenied
		req.DecidedAt = &now
		if err := s.state.SetJSON(ctx, namespace, req.ID, req); err != nil {
			return expired, fmt.Errorf("expire approval %s: %w", req.ID, err)
		}
		expired++
	}
	return expired, nil
}
