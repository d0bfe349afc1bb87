// Package remote defines the contract between the replication cycle and a
// remote record database.
package remote

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/record"
)

// Transport pushes and pulls records. The transport owns the server-assigned
// system fields: change tags and modification times.
type Transport interface {
	// Push saves records and returns the stored copies with fresh system
	// fields. Records whose change tag no longer matches the server copy are
	// left out of the result and reported through a *ConflictError.
	Push(ctx context.Context, records []*record.Record) ([]*record.Record, error)
	// Pull returns the records of recordType that may have changed at or
	// after since, oldest first. It may also return records the caller
	// already holds; callers drop those by change tag.
	Pull(ctx context.Context, recordType string, since time.Time) ([]*record.Record, error)
	Close(ctx context.Context) error
}

// ConflictError lists records rejected because the server copy changed since
// it was last pulled.
// Entries read "<record type>/<record name>".
type ConflictError struct {
	Records []string
}

// Add records a conflict for rec.
func (e *ConflictError) Add(rec *record.Record) {
	e.Records = append(e.Records, rec.Type+"/"+rec.Name)
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: %d record(s) changed on server: %s",
		len(e.Records), strings.Join(e.Records, ", "))
}

// OrNil returns e when it holds conflicts and nil otherwise.
func (e *ConflictError) OrNil() error {
	if e == nil || len(e.Records) == 0 {
		return nil
	}
	return e
}

// Unwrap makes errors.Is(err, apperr.ErrConflict) hold.
func (e *ConflictError) Unwrap() error { return apperr.ErrConflict }

// Stamp returns a copy of rec carrying the given server fields. CreatedAt is
// kept when already set.
func Stamp(rec *record.Record, tag string, now time.Time, by string) *record.Record {
	out := rec.Clone()
	out.ChangeTag = tag
	out.ModifiedAt = now
	out.ModifiedBy = by
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return out
}

// GroupByType splits records by record type, keeping their relative order.
func GroupByType(records []*record.Record) (types []string, groups map[string][]*record.Record) {
	groups = make(map[string][]*record.Record)
	for _, r := range records {
		if _, ok := groups[r.Type]; !ok {
			types = append(types, r.Type)
		}
		groups[r.Type] = append(groups[r.Type], r)
	}
	slices.Sort(types)
	return types, groups
}
