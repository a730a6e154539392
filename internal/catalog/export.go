package catalog

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// TableDescriptor is the serializable view of a table, shared by the YAML
// dump and the /tables endpoint.
type TableDescriptor struct {
	Name       string            `json:"name" yaml:"name"`
	LookupKey  []string          `json:"lookup_key" yaml:"lookup_key"`
	Operations []OperationFields `json:"operations" yaml:"operations"`
}

// OperationFields pairs an operation with its procedure and parameters.
type OperationFields struct {
	Operation Operation `json:"operation" yaml:"operation"`
	Procedure string    `json:"procedure" yaml:"procedure"`
	Fields    []string  `json:"fields" yaml:"fields,flow"`
}

// Describe returns descriptors for every table in declaration order.
func (c *Catalog) Describe() []TableDescriptor {
	out := make([]TableDescriptor, 0, len(c.order))
	for _, name := range c.order {
		t := c.tables[name]
		desc := TableDescriptor{Name: name, LookupKey: []string{}}
		if _, ok := t.Fields[OpReadByID]; ok {
			desc.LookupKey = append(desc.LookupKey, t.LookupKey...)
		}
		for _, op := range Operations {
			fields, ok := t.Fields[op]
			if !ok {
				continue
			}
			desc.Operations = append(desc.Operations, OperationFields{
				Operation: op,
				Procedure: ProcedureName(name, op),
				Fields:    append([]string{}, fields...),
			})
		}
		out = append(out, desc)
	}
	return out
}

// WriteYAML writes the catalog as a YAML document.
func (c *Catalog) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"tables": c.Describe()}); err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return enc.Close()
}
