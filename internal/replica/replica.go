// Package replica runs the push and pull halves of replication between the
// local store and a remote transport.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/graphsync"
	"github.com/starford/recordsync/internal/models"
	"github.com/starford/recordsync/internal/remote"
	"github.com/starford/recordsync/internal/store"
	"github.com/starford/recordsync/internal/task"
)

// Directions reported in models.SyncResult.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// Notifier receives the outcome of every push and pull.
type Notifier interface {
	PublishSync(res models.SyncResult)
}

// Replica pairs a synchronizer with a transport.
type Replica struct {
	sync        *graphsync.Synchronizer
	transport   remote.Transport
	checkpoints store.Checkpoints
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	overlap     time.Duration
}

// DefaultPullOverlap is how far before the checkpoint a pull starts, so
// writes that became visible late are not skipped.
const DefaultPullOverlap = time.Minute

// Option configures a Replica.
type Option func(*Replica)

// WithLogger sets the replica logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithNotifier sets who is told about finished pushes and pulls.
func WithNotifier(n Notifier) Option {
	return func(r *Replica) { r.notifier = n }
}

// WithClock sets the time stamped on results.
func WithClock(now func() time.Time) Option {
	return func(r *Replica) { r.now = now }
}

// WithPullOverlap sets how far before the checkpoint each pull starts.
func WithPullOverlap(d time.Duration) Option {
	return func(r *Replica) {
		if d >= 0 {
			r.overlap = d
		}
	}
}

// New returns a replica. checkpoints remembers how far each record type has
// been pulled.
func New(sync *graphsync.Synchronizer, transport remote.Transport, checkpoints store.Checkpoints, opts ...Option) *Replica {
	r := &Replica{
		sync:        sync,
		transport:   transport,
		checkpoints: checkpoints,
		logger:      slog.Default(),
		now:         time.Now,
		overlap:     DefaultPullOverlap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push sends the pending entities of typ and confirms what the remote saved.
// Records rejected as conflicts stay pending; the returned error then wraps
// apperr.ErrConflict.
func (r *Replica) Push(ctx context.Context, typ string) (models.SyncResult, error) {
	res := models.SyncResult{Type: typ, Direction: DirectionPush}
	err := r.push(ctx, typ, &res)
	return r.finish(res, err)
}

func (r *Replica) push(ctx context.Context, typ string, res *models.SyncResult) error {
	records, _, err := r.sync.SerializeTypeForPush(ctx, typ)
	if err != nil {
		return err
	}
	res.Records = len(records)
	if len(records) == 0 {
		return nil
	}

	saved, pushErr := r.transport.Push(ctx, records)
	if pushErr != nil && !errors.Is(pushErr, apperr.ErrConflict) {
		return fmt.Errorf("replica: push %s: %w", typ, pushErr)
	}
	if len(saved) > 0 {
		entities, err := r.sync.ConfirmPush(ctx, saved)
		if err != nil {
			return fmt.Errorf("replica: confirm %s: %w", typ, err)
		}
		for _, e := range entities {
			if !e.Pending {
				res.Confirmed++
			}
		}
	}
	if pushErr != nil {
		return fmt.Errorf("replica: push %s: %w", typ, pushErr)
	}
	return nil
}

// Pull fetches the records of typ changed since the last successful pull and
// applies them locally.
func (r *Replica) Pull(ctx context.Context, typ string) (models.SyncResult, error) {
	res := models.SyncResult{Type: typ, Direction: DirectionPull}
	err := r.pull(ctx, typ, &res)
	return r.finish(res, err)
}

func (r *Replica) pull(ctx context.Context, typ string, res *models.SyncResult) error {
	desc, ok := r.sync.Registry().Lookup(typ)
	if !ok {
		return fmt.Errorf("replica: %q: %w", typ, apperr.ErrUnknownType)
	}
	since, err := r.checkpoints.Checkpoint(ctx, desc.RecordType)
	if err != nil {
		return fmt.Errorf("replica: pull %s: %w", typ, err)
	}
	from := since
	if !from.IsZero() {
		from = from.Add(-r.overlap)
	}
	fetched, err := r.transport.Pull(ctx, desc.RecordType, from)
	if err != nil {
		return fmt.Errorf("replica: pull %s: %w", typ, err)
	}
	newest := since
	for _, rec := range fetched {
		if rec.ModifiedAt.After(newest) {
			newest = rec.ModifiedAt
		}
	}
	records, err := r.sync.DropUnchanged(ctx, fetched)
	if err != nil {
		return fmt.Errorf("replica: pull %s: %w", typ, err)
	}
	res.Records = len(records)
	if len(records) > 0 {
		entities, err := r.sync.DeserializeFromPull(ctx, records)
		if err != nil {
			return fmt.Errorf("replica: apply %s: %w", typ, err)
		}
		res.Confirmed = len(entities)
	}

	if newest.After(since) {
		if err := r.checkpoints.SetCheckpoint(ctx, desc.RecordType, newest); err != nil {
			return fmt.Errorf("replica: pull %s: %w", typ, err)
		}
	}
	return nil
}

func (r *Replica) finish(res models.SyncResult, err error) (models.SyncResult, error) {
	res.At = r.now()
	attrs := []any{
		slog.String("type", res.Type),
		slog.String("direction", res.Direction),
		slog.Int("records", res.Records),
		slog.Int("confirmed", res.Confirmed),
	}
	if err != nil {
		res.Error = err.Error()
		r.logger.Warn("replica: sync failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		r.logger.Info("replica: sync done", attrs...)
	}
	if r.notifier != nil {
		r.notifier.PublishSync(res)
	}
	return res, err
}

// PushTask wraps Push for typ in an operation.
func (r *Replica) PushTask(typ string) *task.Operation {
	return task.New("push "+typ, func(ctx context.Context) error {
		_, err := r.Push(ctx, typ)
		return err
	})
}

// PullTask wraps Pull for typ in an operation.
func (r *Replica) PullTask(typ string) *task.Operation {
	return task.New("pull "+typ, func(ctx context.Context) error {
		_, err := r.Pull(ctx, typ)
		return err
	})
}

// CycleTasks returns the operations of one replication cycle: every push,
// in types order, followed by every pull.
func (r *Replica) CycleTasks(types []string) []*task.Operation {
	ops := make([]*task.Operation, 0, 2*len(types))
	for _, typ := range types {
		ops = append(ops, r.PushTask(typ))
	}
	for _, typ := range types {
		ops = append(ops, r.PullTask(typ))
	}
	return ops
}

// RunCycle runs CycleTasks(types) one at a time. A failed operation does not
// stop the ones after it; their errors are joined.
func (r *Replica) RunCycle(ctx context.Context, types []string) error {
	q := task.NewQueue(ctx, 1)
	for _, op := range r.CycleTasks(types) {
		q.Add(op)
	}
	_, err := q.Wait()
	return err
}
