package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// explicitRefs creates the explicit reference groups, every explicit reference
// named by the operation and the declared explicit reference links.
//
// Names are processed in sorted order so concurrent operations touch the same
// rows in the same order.
func (w *operationTx) explicitRefs(ctx context.Context) error {
	groupOf := make(map[string]string)
	for _, er := range w.op.ExplicitRefs {
		if _, seen := groupOf[er.Name]; !seen && er.Group != "" {
			groupOf[er.Name] = er.Group
		}
	}

	groupIDs := make(map[string]uuid.UUID)

	for _, name := range sortedValues(groupOf) {
		id, _, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
			table:      "explicit_ref_groups",
			idColumn:   "explicit_ref_group_uuid",
			keyColumns: []string{"name"},
			keyValues:  []any{name},
		})
		if err != nil {
			return err
		}

		groupIDs[name] = id
	}

	w.refs = make(map[string]uuid.UUID)

	for _, name := range w.op.ExplicitRefNames() {
		id, created, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
			table:      "explicit_refs",
			idColumn:   "explicit_ref_uuid",
			keyColumns: []string{"explicit_ref"},
			keyValues:  []any{name},
		})
		if err != nil {
			return err
		}

		w.refs[name] = id

		group, ok := groupOf[name]
		if !ok {
			continue
		}

		// A reference first seen without a group takes the first group declared for it.
		stmt := "UPDATE explicit_refs SET explicit_ref_group_uuid = $2 WHERE explicit_ref_uuid = $1 AND explicit_ref_group_uuid IS NULL"
		if created {
			stmt = "UPDATE explicit_refs SET explicit_ref_group_uuid = $2 WHERE explicit_ref_uuid = $1"
		}

		if _, err := w.tx.ExecContext(ctx, stmt, id, groupIDs[group]); err != nil {
			return fmt.Errorf("set group of explicit reference %q: %w", name, err)
		}
	}

	for _, er := range w.op.ExplicitRefs {
		for _, l := range er.Links {
			if err := w.linkExplicitRefs(ctx, w.refs[er.Name], l.Name, w.refs[l.Link]); err != nil {
				return err
			}

			if l.BackRef != "" {
				if err := w.linkExplicitRefs(ctx, w.refs[l.Link], l.BackRef, w.refs[er.Name]); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (w *operationTx) linkExplicitRefs(ctx context.Context, from uuid.UUID, name string, to uuid.UUID) error {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO explicit_ref_links (explicit_ref_uuid_link, name, explicit_ref_uuid)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		to, name, from,
	)
	if err != nil {
		return fmt.Errorf("link explicit references: %w", err)
	}

	return nil
}

func sortedValues(m map[string]string) []string {
	seen := make(map[string]bool)

	var values []string

	for _, v := range m {
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}

	sort.Strings(values)

	return values
}
