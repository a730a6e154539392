// Package introspection checks the connected database for the stored
// procedures and privileges the gateway depends on.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"sp-gateway/internal/catalog"
)

// ExpectedProcedures lists every procedure the catalog can resolve to.
func ExpectedProcedures(cat *catalog.Catalog) []string {
	return cat.Procedures()
}

// buildRoutinesQuery selects the procedure names defined in schema.
func buildRoutinesQuery(schema string) (string, []interface{}, error) {
	return sq.Select("ROUTINE_NAME").
		From("information_schema.ROUTINES").
		Where(sq.Eq{
			"ROUTINE_SCHEMA": schema,
			"ROUTINE_TYPE":   "PROCEDURE",
		}).
		PlaceholderFormat(sq.Question).
		ToSql()
}

// ListProcedures returns the names of the stored procedures defined in schema.
func ListProcedures(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	query, args, err := buildRoutinesQuery(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to build routines query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list procedures: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// MissingProcedures returns the expected procedures that schema does not
// define, sorted by name.
func MissingProcedures(ctx context.Context, db *sql.DB, schema string, expected []string) ([]string, error) {
	present, err := ListProcedures(ctx, db, schema)
	if err != nil {
		return nil, err
	}

	defined := make(map[string]struct{}, len(present))
	for _, name := range present {
		defined[name] = struct{}{}
	}

	var missing []string
	for _, name := range expected {
		if _, ok := defined[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing, nil
}
