// Package dbexec invokes stored procedures positionally and collects every
// result set they return.
package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sp-gateway/internal/sqlutil"
)

// Result holds the rows of every result set a procedure produced, flattened
// in the order the server returned them.
type Result struct {
	Rows []map[string]any
	// ResultSets counts the result sets that carried columns.
	ResultSets int
}

// Caller abstracts procedure invocation so handlers can be tested without a
// database.
type Caller interface {
	Call(ctx context.Context, procedure string, args []any, mutating bool) (Result, error)
}

// Executor calls procedures against a database handle.
type Executor struct {
	db      *sql.DB
	timeout time.Duration
}

// NewExecutor creates an executor. A zero timeout leaves the caller's
// deadline untouched.
func NewExecutor(db *sql.DB, timeout time.Duration) *Executor {
	return &Executor{db: db, timeout: timeout}
}

// Call runs CALL procedure(args...). Mutating calls run inside a transaction
// that commits only after every result set has been read.
func (e *Executor) Call(ctx context.Context, procedure string, args []any, mutating bool) (Result, error) {
	if e.db == nil {
		return Result{}, sql.ErrConnDone
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	query := sqlutil.CallStatement(procedure, len(args))

	if !mutating {
		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return Result{}, err
		}
		return collect(rows)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return Result{}, err
	}
	result, err := collect(rows)
	if err != nil {
		_ = tx.Rollback()
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

// collect drains rows across all result sets and closes it.
func collect(rows *sql.Rows) (Result, error) {
	defer func() {
		_ = rows.Close()
	}()

	result := Result{Rows: []map[string]any{}}
	for {
		columns, err := rows.Columns()
		if err != nil {
			return Result{}, err
		}
		if len(columns) > 0 {
			result.ResultSets++
		}
		for rows.Next() {
			values := make([]any, len(columns))
			valuePtrs := make([]any, len(columns))
			for i := range values {
				valuePtrs[i] = &values[i]
			}
			if err := rows.Scan(valuePtrs...); err != nil {
				return Result{}, err
			}
			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = convertValue(values[i])
			}
			result.Rows = append(result.Rows, row)
		}
		if err := rows.Err(); err != nil {
			return Result{}, err
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return result, rows.Err()
}

func convertValue(val any) any {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}
