package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
)

const entityColumns = `id, type, record_name, record_data, pending, attrs`

type txn struct {
	tx       *sql.Tx
	ctx      context.Context
	reg      *schema.Registry
	readOnly bool
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// chunks splits keys into slices of at most store.MaxBatch elements.
func chunks[T any](keys []T) [][]T {
	var out [][]T
	for len(keys) > store.MaxBatch {
		out = append(out, keys[:store.MaxBatch])
		keys = keys[store.MaxBatch:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func (t *txn) Insert(typ string) (*store.Entity, error) {
	if t.readOnly {
		return nil, store.ErrReadOnly
	}
	if _, ok := t.reg.Lookup(typ); !ok {
		return nil, fmt.Errorf("sqlite: insert %q: %w", typ, apperr.ErrUnknownType)
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO entities (type) VALUES (?)`, typ)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert %s: %w", typ, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert %s: %w", typ, err)
	}
	e := store.NewEntity(typ)
	e.ID = id
	return e, nil
}

func (t *txn) FetchByRecordNames(typ string, names []string) (map[string]*store.Entity, error) {
	uniq := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; n != "" && !dup {
			seen[n] = struct{}{}
			uniq = append(uniq, n)
		}
	}
	out := make(map[string]*store.Entity, len(uniq))
	for _, chunk := range chunks(uniq) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, typ)
		for _, n := range chunk {
			args = append(args, n)
		}
		ents, err := t.query(`SELECT `+entityColumns+` FROM entities WHERE type = ? AND record_name IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: fetch %s by record name: %w", typ, err)
		}
		for _, e := range ents {
			out[e.RecordName] = e
		}
	}
	return out, nil
}

func (t *txn) Load(ids ...int64) (map[int64]*store.Entity, error) {
	out := make(map[int64]*store.Entity, len(ids))
	for _, chunk := range chunks(ids) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		ents, err := t.query(`SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: load: %w", err)
		}
		for _, e := range ents {
			out[e.ID] = e
		}
	}
	return out, nil
}

func (t *txn) List(typ string) ([]*store.Entity, error) {
	ents, err := t.query(`SELECT `+entityColumns+` FROM entities WHERE type = ? ORDER BY id`, typ)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", typ, err)
	}
	return ents, nil
}

func (t *txn) ListPending(typ string) ([]*store.Entity, error) {
	ents, err := t.query(`SELECT `+entityColumns+` FROM entities WHERE type = ? AND pending = 1 ORDER BY id`, typ)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending %s: %w", typ, err)
	}
	return ents, nil
}

// query scans entity rows and attaches their outgoing links.
func (t *txn) query(q string, args ...any) ([]*store.Entity, error) {
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Entity
	byID := make(map[int64]*store.Entity)
	for rows.Next() {
		var (
			e       store.Entity
			name    sql.NullString
			pending int
			attrs   string
		)
		if err := rows.Scan(&e.ID, &e.Type, &name, &e.RecordData, &pending, &attrs); err != nil {
			return nil, err
		}
		e.RecordName = name.String
		e.Pending = pending != 0
		if err := decodeAttrs(&e, attrs); err != nil {
			return nil, err
		}
		out = append(out, &e)
		byID[e.ID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := t.attachLinks(byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *txn) attachLinks(byID map[int64]*store.Entity) error {
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	for _, chunk := range chunks(ids) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := t.tx.QueryContext(t.ctx,
			`SELECT source, name, target, to_many FROM links WHERE source IN (`+placeholders(len(chunk))+`) ORDER BY source, name, target`, args...)
		if err != nil {
			return fmt.Errorf("links: %w", err)
		}
		for rows.Next() {
			var (
				source, target int64
				name           string
				toMany         bool
			)
			if err := rows.Scan(&source, &name, &target, &toMany); err != nil {
				rows.Close()
				return err
			}
			e := byID[source]
			if toMany {
				e.AddRelated(name, target)
			} else {
				e.SetRelated(name, target)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) Save(e *store.Entity) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	attrs, err := encodeAttrs(e)
	if err != nil {
		return err
	}
	var name sql.NullString
	if e.RecordName != "" {
		name = sql.NullString{String: e.RecordName, Valid: true}
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE entities
		SET record_name = ?, record_data = ?, pending = ?, attrs = ?
		WHERE id = ? AND type = ?
	`, name, e.RecordData, e.Pending, attrs, e.ID, e.Type)
	if err != nil {
		return fmt.Errorf("sqlite: save %s %d: %w", e.Type, e.ID, translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: save %s %d: %w", e.Type, e.ID, apperr.ErrNotFound)
	}

	// Replace links: delete old then insert the current set.
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM links WHERE source = ?`, e.ID); err != nil {
		return fmt.Errorf("sqlite: clear links of %d: %w", e.ID, err)
	}
	toOne, toMany := e.Links()
	if len(toOne) == 0 && len(toMany) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(t.ctx, `INSERT INTO links (source, name, target, to_many) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare link insert: %w", err)
	}
	defer stmt.Close()
	for name, target := range toOne {
		if _, err := stmt.ExecContext(t.ctx, e.ID, name, target, false); err != nil {
			return fmt.Errorf("sqlite: link %d.%s -> %d: %w", e.ID, name, target, translate(err))
		}
	}
	for name, targets := range toMany {
		for _, target := range targets {
			if _, err := stmt.ExecContext(t.ctx, e.ID, name, target, true); err != nil {
				return fmt.Errorf("sqlite: link %d.%s -> %d: %w", e.ID, name, target, translate(err))
			}
		}
	}
	return nil
}

func (t *txn) Delete(id int64) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	doomed, err := store.DeleteSet(t.reg, t.Load, id)
	if err != nil {
		return err
	}
	// Links in both directions go with the rows through ON DELETE CASCADE.
	for _, chunk := range chunks(doomed) {
		args := make([]any, len(chunk))
		for i, d := range chunk {
			args[i] = d
		}
		if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM entities WHERE id IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
			return fmt.Errorf("sqlite: delete %d: %w", id, err)
		}
	}
	return nil
}

// translate maps constraint violations onto application errors.
func translate(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", apperr.ErrAlreadyExists, err)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}
	return err
}
