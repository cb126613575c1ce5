// Package idempotency replays the stored response of a request whose
// Idempotency-Key was already served, and keeps two in-flight requests with
// the same key from running at once.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

// ErrInProgress is returned while another request holds the key.
var ErrInProgress = errors.Mark(errors.New("request with this idempotency key is in progress"), domain.ErrConflict)

type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Backend stores responses and short-lived per-key locks.
type Backend interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
	lockTTL time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl, lockTTL: 30 * time.Second}
}

// Begin returns the stored response when the key was already served.
// Otherwise it takes the key lock and returns a Ticket the caller must
// finish with Done or Abandon.
func (i *Idempotency) Begin(ctx context.Context, scope, key string) (*Response, *Ticket, error) {
	full := scope + ":" + key
	cached, err := i.backend.Get(ctx, full)
	if err != nil {
		return nil, nil, errors.Wrap(err, "idempotency lookup")
	}
	if cached != nil {
		return cached, nil, nil
	}
	owner := uuid.NewString()
	ok, err := i.backend.Lock(ctx, full, owner, i.lockTTL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "idempotency lock")
	}
	if !ok {
		return nil, nil, errors.Wrapf(ErrInProgress, "key %q", key)
	}
	return nil, &Ticket{parent: i, key: full, owner: owner}, nil
}

type Ticket struct {
	parent *Idempotency
	key    string
	owner  string
}

// Done stores resp for replay and releases the lock. Server errors are not
// stored so the client may retry them.
func (t *Ticket) Done(ctx context.Context, resp Response) error {
	defer t.Abandon(ctx)
	if resp.Status >= 500 {
		return nil
	}
	return t.parent.backend.Set(ctx, t.key, resp, t.parent.ttl)
}

func (t *Ticket) Abandon(ctx context.Context) {
	_ = t.parent.backend.Unlock(ctx, t.key, t.owner)
}
