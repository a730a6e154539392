// Package sqlutil provides SQL utility functions.
package sqlutil

import "strings"

// QuoteIdentifier quotes a SQL identifier (procedure, schema, etc.) with
// backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// CallStatement builds a CALL statement for procedure with n positional
// placeholders.
func CallStatement(procedure string, n int) string {
	var b strings.Builder
	b.WriteString("CALL ")
	b.WriteString(QuoteIdentifier(procedure))
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	b.WriteByte(')')
	return b.String()
}
