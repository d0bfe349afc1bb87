// Package dirstore keeps remote records as JSON files under a root
// directory, one sub-directory per record type:
//
//	<root>/<recordType>/<recordName>.json
//
// A record's change tag is the SHA-256 of its stored file.
package dirstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/checksum"
	"github.com/starford/recordsync/internal/record"
	"github.com/starford/recordsync/internal/remote"
	"github.com/starford/recordsync/internal/storage"
)

const ext = ".json"

// QuarantineDir holds record files that failed to decode, under the same
// relative path they had.
const QuarantineDir = ".quarantine"

// Store implements remote.Transport over a storage.Provider.
type Store struct {
	files  storage.Provider
	logger *slog.Logger
	now    func() time.Time
	device string

	mu sync.Mutex
}

var _ remote.Transport = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the source of modification times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDeviceName sets the modified_by value written on push.
func WithDeviceName(name string) Option {
	return func(s *Store) { s.device = name }
}

// New returns a store over files.
func New(files storage.Provider, opts ...Option) *Store {
	s := &Store{files: files, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a store rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	fs, err := storage.NewFS(dir, true)
	if err != nil {
		return nil, fmt.Errorf("dirstore: %w", err)
	}
	return New(fs, opts...), nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.files.Root() }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func recordPath(recordType, name string) (string, error) {
	for _, part := range []string{recordType, name} {
		if part == "" || strings.HasPrefix(part, ".") || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("dirstore: bad path element %q: %w", part, apperr.ErrInvalidValue)
		}
	}
	return path.Join(recordType, name+ext), nil
}

// encode returns the stored form of rec. The change tag is not stored; it is
// derived from the stored bytes.
func encode(rec *record.Record) ([]byte, error) {
	c := rec.Clone()
	c.ChangeTag = ""
	return json.MarshalIndent(c, "", "  ")
}

func decode(data []byte) (*record.Record, error) {
	rec := &record.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	rec.ChangeTag = checksum.Sum(data)
	return rec, nil
}

// Push writes every record whose change tag matches the stored file, or
// whose file does not exist yet.
func (s *Store) Push(ctx context.Context, records []*record.Record) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := &remote.ConflictError{}
	saved := make([]*record.Record, 0, len(records))
	now := s.now().UTC().Truncate(time.Millisecond)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		p, err := recordPath(rec.Type, rec.Name)
		if err != nil {
			return saved, err
		}
		current, err := s.files.Read(p)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			return saved, fmt.Errorf("dirstore: push %s: %w", p, err)
		default:
			if !checksum.Matches(rec.ChangeTag, current) {
				conflicts.Add(rec)
				continue
			}
			if prev, err := decode(current); err == nil && !prev.CreatedAt.IsZero() {
				rec = rec.Clone()
				rec.CreatedAt = prev.CreatedAt
			}
		}

		out := remote.Stamp(rec, "", now, s.device)
		data, err := encode(out)
		if err != nil {
			return saved, fmt.Errorf("dirstore: encode %s: %w", p, err)
		}
		if err := s.files.Write(p, data); err != nil {
			return saved, fmt.Errorf("dirstore: push %s: %w", p, err)
		}
		out.ChangeTag = checksum.Sum(data)
		saved = append(saved, out)
	}
	s.logger.Debug("dirstore: pushed", slog.Int("records", len(saved)), slog.Int("conflicts", len(conflicts.Records)))
	return saved, conflicts.OrNil()
}

// Pull returns every record of recordType, oldest first. Modification times
// in a shared directory come from each writer's own clock, so since is not a
// safe filter here; callers drop records they already hold by change tag.
// Files that do not decode as a record of recordType, or whose record name
// differs from the file name, are moved to QuarantineDir and skipped.
func (s *Store) Pull(ctx context.Context, recordType string, _ time.Time) ([]*record.Record, error) {
	if _, err := recordPath(recordType, "x"); err != nil {
		return nil, err
	}
	metas, err := s.files.List(recordType, ext)
	if err != nil {
		return nil, fmt.Errorf("dirstore: pull %s: %w", recordType, err)
	}
	var out []*record.Record
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.files.Read(m.Path)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("dirstore: pull %s: %w", recordType, err)
		}
		rec, err := decode(data)
		if err != nil || rec.Type != recordType || rec.Name+ext != path.Base(m.Path) {
			s.quarantine(m.Path)
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b *record.Record) int {
		if c := a.ModifiedAt.Compare(b.ModifiedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) quarantine(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := path.Join(QuarantineDir, p)
	if err := s.files.Move(p, dst); err != nil {
		s.logger.Warn("dirstore: skip unreadable record file", slog.String("path", p), slog.String("error", err.Error()))
		return
	}
	s.logger.Warn("dirstore: quarantined unreadable record file", slog.String("path", p), slog.String("moved_to", dst))
}
