// Package leaselock provides Postgres-backed topic build leases. A lease
// keeps two graph daemon instances from building the same topic at once;
// it is renewed in the background and expires on its own when the holder
// dies.
package leaselock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrBusy means another holder currently owns the topic's lease.
	ErrBusy = errors.New("topic lease busy")
	// ErrLost means the lease could not be renewed and the holder must
	// stop working on the topic.
	ErrLost = errors.New("topic lease lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Locker hands out topic leases.
type Locker struct {
	db dbConn
}

// Options tunes lease lifetime. TTL defaults to 15 minutes, RenewEvery to
// half the TTL.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration
}

// Lease is one held topic lease. Context is canceled with ErrLost when
// renewal fails, so build work scoped to it stops.
type Lease struct {
	TopicName string
	Token     string

	Context context.Context

	locker *Locker
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{db: pool}
}

// WithTopicLease runs fn while holding the topic's lease and releases it
// afterwards. Returns ErrBusy without calling fn when another holder owns
// the lease.
func (c *Locker) WithTopicLease(ctx context.Context, topicName string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.TryAcquire(ctx, topicName, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()
	return fn(lease.Context)
}

// TryAcquire attempts to take the topic's lease without waiting. An expired
// lease of a dead holder is taken over.
func (c *Locker) TryAcquire(ctx context.Context, topicName string, opts Options) (*Lease, error) {
	if topicName == "" {
		return nil, errors.New("topic name is empty")
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.TTL {
		opts.RenewEvery = max(opts.TTL/2, time.Second)
	}
	ttlMs := opts.TTL.Milliseconds()

	token, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	var returnedTopic string
	err = c.db.QueryRow(ctx, tryAcquireSQL, topicName, token, ttlMs).Scan(&returnedTopic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		TopicName: topicName,
		Token:     token,
		Context:   leaseCtx,
		locker:    c,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}

	go l.renewLoop(opts.RenewEvery, ttlMs)

	return l, nil
}

// Release stops renewal and frees the lease.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})

	_, err := l.locker.db.Exec(ctx, releaseSQL, l.TopicName, l.Token)
	return err
}

func (l *Lease) renewLoop(every time.Duration, ttlMs int64) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := l.renewOnce(ttlMs); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renewOnce(ttlMs int64) error {
	for attempt := range 3 {
		renewCtx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var returnedTopic string
		err := l.locker.db.QueryRow(renewCtx, renewSQL, l.TopicName, l.Token, ttlMs).Scan(&returnedTopic)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		if attempt == 2 {
			return err
		}

		t := time.NewTimer(200 * time.Millisecond)
		select {
		case <-l.Context.Done():
			t.Stop()
			return l.Context.Err()
		case <-t.C:
		}
	}
	return ErrLost
}

const tryAcquireSQL = `
INSERT INTO topic_build_leases (topic_name, held_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (topic_name) DO UPDATE
SET held_by    = EXCLUDED.held_by,
    expires_at = EXCLUDED.expires_at
WHERE topic_build_leases.expires_at < now()
   OR topic_build_leases.held_by = EXCLUDED.held_by
RETURNING topic_name;
`

const renewSQL = `
UPDATE topic_build_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE topic_name = $1 AND held_by = $2
RETURNING topic_name;
`

const releaseSQL = `
DELETE FROM topic_build_leases
WHERE topic_name = $1 AND held_by = $2;
`
