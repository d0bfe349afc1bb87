package store

import (
	"fmt"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/schema"
)

// LoadFunc loads entities by ID.
type LoadFunc func(ids ...int64) (map[int64]*Entity, error)

// DeleteSet returns the IDs removed when root is deleted: root itself plus
// everything reached through cascade relationships. A deny relationship with
// a linked destination aborts the delete with apperr.ErrConflict. Nullify and
// noAction destinations are kept; backends drop the dangling links.
func DeleteSet(reg *schema.Registry, load LoadFunc, root int64) ([]int64, error) {
	seen := map[int64]struct{}{root: {}}
	order := []int64{root}
	for i := 0; i < len(order); i++ {
		m, err := load(order[i])
		if err != nil {
			return nil, err
		}
		e, ok := m[order[i]]
		if !ok {
			if i == 0 {
				return nil, fmt.Errorf("store: delete %d: %w", root, apperr.ErrNotFound)
			}
			continue
		}
		desc, ok := reg.Lookup(e.Type)
		if !ok {
			continue
		}
		var denyErr error
		desc.EachRelationship(func(rel schema.Relationship) {
			var dst []int64
			if rel.ToMany {
				dst = e.RelatedSet(rel.Name)
			} else if id, ok := e.Related(rel.Name); ok {
				dst = []int64{id}
			}
			switch rel.DeleteRule {
			case schema.DeleteDeny:
				if len(dst) > 0 && denyErr == nil {
					denyErr = fmt.Errorf("store: delete %s %d: %s.%s still linked: %w", e.Type, e.ID, e.Type, rel.Name, apperr.ErrConflict)
				}
			case schema.DeleteCascade:
				for _, id := range dst {
					if _, dup := seen[id]; !dup {
						seen[id] = struct{}{}
						order = append(order, id)
					}
				}
			}
		})
		if denyErr != nil {
			return nil, denyErr
		}
	}
	return order, nil
}
