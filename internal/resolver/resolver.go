// Package resolver maps a (table, operation, payload) request onto the stored
// procedure that serves it and the positional arguments that procedure expects.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"sp-gateway/internal/catalog"
)

// Kind classifies a resolution failure. The values double as log and
// metric labels.
type Kind string

const (
	KindUnknownTable                 Kind = "unknown_table"
	KindUnsupportedOperation         Kind = "unsupported_operation"
	KindUnsupportedOperationForTable Kind = "unsupported_operation_for_table"
)

var (
	ErrUnknownTable                 = errors.New("unknown table")
	ErrUnsupportedOperation         = errors.New("unsupported operation")
	ErrUnsupportedOperationForTable = errors.New("operation not supported for table")
)

// Error is returned for every request that cannot be resolved. It unwraps to
// the sentinel matching its Kind.
type Error struct {
	Kind      Kind
	Table     string
	Operation string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownTable:
		return fmt.Sprintf("unknown table %q", e.Table)
	case KindUnsupportedOperation:
		return fmt.Sprintf("unsupported operation %q", e.Operation)
	default:
		return fmt.Sprintf("operation %q not supported for table %q", e.Operation, e.Table)
	}
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindUnknownTable:
		return ErrUnknownTable
	case KindUnsupportedOperation:
		return ErrUnsupportedOperation
	default:
		return ErrUnsupportedOperationForTable
	}
}

// aliases maps external operation names onto the canonical vocabulary.
var aliases = map[string]catalog.Operation{
	"list":        catalog.OpRead,
	"get":         catalog.OpRead,
	"leer":        catalog.OpRead,
	"create":      catalog.OpCreate,
	"insertar":    catalog.OpCreate,
	"update":      catalog.OpUpdate,
	"actualizar":  catalog.OpUpdate,
	"delete":      catalog.OpDelete,
	"eliminar":    catalog.OpDelete,
	"leer_por_id": catalog.OpReadByID,
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Table     string
	Operation catalog.Operation
	Procedure string
	// Args holds one value per declared field, in declaration order. A nil
	// element is sent as SQL NULL. Never nil itself.
	Args []any
	// PartialKey lists the lookup key fields that were missing when a read
	// supplied some, but not all, of them and so fell back to a full read.
	PartialKey []string
}

// Resolver is stateless apart from its catalog and may be shared freely.
type Resolver struct {
	cat *catalog.Catalog
}

// New returns a resolver backed by cat.
func New(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve resolves against the compiled-in catalog.
func Resolve(table, operation string, payload map[string]any) (Resolution, error) {
	return New(catalog.Default()).Resolve(table, operation, payload)
}

// Catalog returns the backing catalog.
func (r *Resolver) Catalog() *catalog.Catalog {
	return r.cat
}

// Resolve picks the procedure for table and operation and builds its
// argument list from payload. Payload keys the procedure does not declare
// are ignored.
func (r *Resolver) Resolve(table, operation string, payload map[string]any) (Resolution, error) {
	requested := strings.ToLower(strings.TrimSpace(operation))
	op, ok := aliases[requested]
	if !ok {
		op = catalog.Operation(requested)
	}
	if !catalog.IsCanonical(op) {
		return Resolution{}, &Error{Kind: KindUnsupportedOperation, Table: table, Operation: operation}
	}
	if !r.cat.Has(table) {
		return Resolution{}, &Error{Kind: KindUnknownTable, Table: table, Operation: operation}
	}

	if op == catalog.OpRead {
		return r.resolveRead(table, payload)
	}

	fields, err := r.cat.FieldsFor(table, op)
	if err != nil {
		return Resolution{}, &Error{Kind: KindUnsupportedOperationForTable, Table: table, Operation: string(op)}
	}
	return Resolution{
		Table:     table,
		Operation: op,
		Procedure: catalog.ProcedureName(table, op),
		Args:      collect(fields, payload),
	}, nil
}

// resolveRead upgrades a read to a read-by-id when every lookup key field is
// present and non-empty.
func (r *Resolver) resolveRead(table string, payload map[string]any) (Resolution, error) {
	key, err := r.cat.LookupKeyFields(table)
	if err != nil {
		return Resolution{}, &Error{Kind: KindUnknownTable, Table: table, Operation: string(catalog.OpRead)}
	}

	var missing []string
	for _, field := range key {
		if isEmpty(payload[field]) {
			missing = append(missing, field)
		}
	}

	if len(key) > 0 && len(missing) == 0 {
		return Resolution{
			Table:     table,
			Operation: catalog.OpReadByID,
			Procedure: catalog.ProcedureName(table, catalog.OpReadByID),
			Args:      collect(key, payload),
		}, nil
	}

	res := Resolution{
		Table:     table,
		Operation: catalog.OpRead,
		Procedure: catalog.ProcedureName(table, catalog.OpRead),
		Args:      []any{},
	}
	if len(missing) > 0 && len(missing) < len(key) {
		res.PartialKey = missing
	}
	return res, nil
}

func collect(fields []string, payload map[string]any) []any {
	args := make([]any, len(fields))
	for i, field := range fields {
		args[i] = Normalize(payload[field])
	}
	return args
}

// Normalize turns blank strings into nil and returns everything else as is.
func Normalize(v any) any {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	return v
}

// isEmpty reports whether v fails to identify a row: nil, a blank string or
// an empty list.
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	default:
		return false
	}
}
