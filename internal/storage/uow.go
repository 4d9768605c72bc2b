package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Run1e/STRIKER-sub000/internal/domain"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// eventSource is satisfied by domain entities that buffer events.
type eventSource interface {
	DrainEvents() []msg.Message
}

// DemoStore is the demo repository surface handlers work against.
type DemoStore interface {
	Get(ctx context.Context, id int64) (*domain.Demo, error)
	BySharecode(ctx context.Context, sharecode string) (*domain.Demo, error)
	ByOriginIdentifier(ctx context.Context, origin domain.DemoOrigin, identifier string) (*domain.Demo, error)
	Insert(ctx context.Context, d *domain.Demo) error
	Update(ctx context.Context, d *domain.Demo) error
	LeastRecentlyUsed(ctx context.Context, keep int) ([]int64, error)
	MarkDeleted(ctx context.Context, ids []int64) error
}

// JobStore is the job repository surface handlers work against.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	Insert(ctx context.Context, j *domain.Job) error
	Update(ctx context.Context, j *domain.Job) error
	WaitingForDemo(ctx context.Context, demoID int64, startedAfter time.Time) ([]*domain.Job, error)
	RestartCandidates(ctx context.Context, startedAfter time.Time) ([]*domain.Job, error)
}

// UserStore is the user settings repository surface handlers work
// against.
type UserStore interface {
	ByUserID(ctx context.Context, userID int64) (*domain.UserSettings, error)
	Upsert(ctx context.Context, u *domain.UserSettings) error
}

// UnitOfWork scopes one handler invocation: a transaction, the
// repositories bound to it, and the messages to dispatch after the
// handler finishes. Entities loaded or added through the repositories
// are tracked so their buffered events end up in Messages.
type UnitOfWork struct {
	tx  pgx.Tx
	log *log.Logger

	Demos *DemoRepo
	Jobs  *JobRepo
	Users *UserRepo

	committed bool
	closed    bool
	tracked   []eventSource
	messages  []msg.Message
}

// Commit commits the transaction. Transitions after Commit still
// buffer events but no longer persist.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	u.committed = true
	return nil
}

// Close finishes the unit of work: anything uncommitted is rolled
// back, then every tracked entity's buffered events are drained into
// the message queue. Close is idempotent.
func (u *UnitOfWork) Close(ctx context.Context) error {
	if u.closed {
		return nil
	}
	u.closed = true

	var rollbackErr error
	if !u.committed {
		if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			rollbackErr = fmt.Errorf("rolling back: %w", err)
		}
		// An uncommitted unit of work dispatches nothing.
		u.messages = nil
		u.tracked = nil
		return rollbackErr
	}

	for _, entity := range u.tracked {
		u.messages = append(u.messages, entity.DrainEvents()...)
	}
	u.tracked = nil
	return nil
}

// AddMessage queues a message for dispatch after the handler, in
// addition to entity events.
func (u *UnitOfWork) AddMessage(m msg.Message) {
	u.messages = append(u.messages, m)
}

// Messages returns the queued messages in FIFO order: explicitly
// added ones first, then entity events in tracking order.
func (u *UnitOfWork) Messages() []msg.Message {
	return u.messages
}

// Track registers an entity so its events are collected on Close.
// Repositories call this for everything they load or insert.
func (u *UnitOfWork) Track(entity eventSource) {
	u.tracked = append(u.tracked, entity)
}

// DemoStore returns the transaction bound demo repository.
func (u *UnitOfWork) DemoStore() DemoStore { return u.Demos }

// JobStore returns the transaction bound job repository.
func (u *UnitOfWork) JobStore() JobStore { return u.Jobs }

// UserStore returns the transaction bound user settings repository.
func (u *UnitOfWork) UserStore() UserStore { return u.Users }
