// Package catalog holds the fixed registry of tables the gateway exposes and,
// for each one, the ordered parameter lists of its stored procedures.
package catalog

import (
	"errors"
	"fmt"
	"slices"
)

// Operation is a canonical procedure suffix.
type Operation string

const (
	OpRead     Operation = "leer"
	OpReadByID Operation = "leer_por_id"
	OpCreate   Operation = "insertar"
	OpUpdate   Operation = "actualizar"
	OpDelete   Operation = "eliminar"
)

// Operations lists the canonical vocabulary in display order.
var Operations = []Operation{OpRead, OpReadByID, OpCreate, OpUpdate, OpDelete}

// IsCanonical reports whether op is one of the five procedure suffixes.
func IsCanonical(op Operation) bool {
	return slices.Contains(Operations, op)
}

// Mutating reports whether the operation changes data and must be committed.
func (op Operation) Mutating() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

var (
	// ErrUnknownTable is returned when a table is not in the catalog.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownOperation is returned when a known table does not declare an operation.
	ErrUnknownOperation = errors.New("unknown operation")
)

// Error describes a failed catalog lookup.
type Error struct {
	Err       error
	Table     string
	Operation Operation
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: table %q, operation %q", e.Err, e.Table, e.Operation)
	}
	return fmt.Sprintf("%s: %q", e.Err, e.Table)
}

func (e *Error) Unwrap() error { return e.Err }

// Table describes one exposed table.
type Table struct {
	Name string
	// LookupKey lists the payload fields that identify a single row.
	LookupKey []string
	// Fields maps each declared operation to its positional parameter list.
	Fields map[Operation][]string
}

// Catalog is an immutable table registry. It is safe for concurrent use.
type Catalog struct {
	order  []string
	tables map[string]Table
}

// New builds a catalog from table definitions. It rejects duplicate tables
// and tables missing any of the operations every entry must declare.
func New(tables ...Table) (*Catalog, error) {
	c := &Catalog{
		order:  make([]string, 0, len(tables)),
		tables: make(map[string]Table, len(tables)),
	}
	for _, t := range tables {
		if t.Name == "" {
			return nil, errors.New("catalog: table name is required")
		}
		if _, dup := c.tables[t.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate table %q", t.Name)
		}
		for _, required := range []Operation{OpRead, OpCreate, OpUpdate, OpDelete} {
			if _, ok := t.Fields[required]; !ok {
				return nil, fmt.Errorf("catalog: table %q does not declare %q", t.Name, required)
			}
		}
		for op := range t.Fields {
			if !IsCanonical(op) {
				return nil, fmt.Errorf("catalog: table %q declares non-canonical operation %q", t.Name, op)
			}
		}
		if byID, ok := t.Fields[OpReadByID]; ok && !slices.Equal(byID, t.LookupKey) {
			return nil, fmt.Errorf("catalog: table %q lookup key %v does not match %s fields %v", t.Name, t.LookupKey, OpReadByID, byID)
		}

		stored := Table{
			Name:      t.Name,
			LookupKey: slices.Clone(t.LookupKey),
			Fields:    make(map[Operation][]string, len(t.Fields)),
		}
		for op, fields := range t.Fields {
			stored.Fields[op] = slices.Clone(fields)
		}
		c.order = append(c.order, t.Name)
		c.tables[t.Name] = stored
	}
	return c, nil
}

// Tables returns the table names in declaration order.
func (c *Catalog) Tables() []string {
	return slices.Clone(c.order)
}

// Has reports whether table is in the catalog.
func (c *Catalog) Has(table string) bool {
	_, ok := c.tables[table]
	return ok
}

// ListOperations returns the operations declared for table, in canonical order.
func (c *Catalog) ListOperations(table string) ([]Operation, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, &Error{Err: ErrUnknownTable, Table: table}
	}
	ops := make([]Operation, 0, len(t.Fields))
	for _, op := range Operations {
		if _, declared := t.Fields[op]; declared {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// FieldsFor returns a copy of the ordered parameter names for table+op.
func (c *Catalog) FieldsFor(table string, op Operation) ([]string, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, &Error{Err: ErrUnknownTable, Table: table}
	}
	fields, ok := t.Fields[op]
	if !ok {
		return nil, &Error{Err: ErrUnknownOperation, Table: table, Operation: op}
	}
	return slices.Clone(fields), nil
}

// LookupKeyFields returns the fields that identify one row of table. The
// result is empty when the table has no read-by-id procedure.
func (c *Catalog) LookupKeyFields(table string) ([]string, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, &Error{Err: ErrUnknownTable, Table: table}
	}
	if _, ok := t.Fields[OpReadByID]; !ok {
		return []string{}, nil
	}
	return slices.Clone(t.LookupKey), nil
}

// ProcedureName returns the stored procedure invoked for table and op.
func ProcedureName(table string, op Operation) string {
	return "sp_" + table + "_" + string(op)
}

// Procedures returns every procedure name the catalog can resolve to.
func (c *Catalog) Procedures() []string {
	var names []string
	for _, name := range c.order {
		ops, _ := c.ListOperations(name)
		for _, op := range ops {
			names = append(names, ProcedureName(name, op))
		}
	}
	return names
}
