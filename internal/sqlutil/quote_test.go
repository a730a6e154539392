package sqlutil

import "testing"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"sp_sectores_leer", "`sp_sectores_leer`"},
		{"select", "`select`"},         // reserved word
		{"first name", "`first name`"}, // space in name
		{"sp`x", "`sp``x`"},            // backtick in name
		{"a`b`c", "`a``b``c`"},         // multiple backticks
		{"", "``"},                     // empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := QuoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestCallStatement(t *testing.T) {
	tests := []struct {
		procedure string
		n         int
		expected  string
	}{
		{"sp_sectores_leer", 0, "CALL `sp_sectores_leer`()"},
		{"sp_sectores_eliminar", 1, "CALL `sp_sectores_eliminar`(?)"},
		{"sp_reportes_plazas_insertar", 3, "CALL `sp_reportes_plazas_insertar`(?, ?, ?)"},
		{"sp`bad", 1, "CALL `sp``bad`(?)"},
	}

	for _, tt := range tests {
		t.Run(tt.procedure, func(t *testing.T) {
			result := CallStatement(tt.procedure, tt.n)
			if result != tt.expected {
				t.Errorf("CallStatement(%q, %d) = %q, want %q", tt.procedure, tt.n, result, tt.expected)
			}
		})
	}
}
