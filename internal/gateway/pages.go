package gateway

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"sp-gateway/internal/logging"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type tableView struct {
	Name       string              `json:"name"`
	LookupKey  []string            `json:"lookup_key"`
	Operations map[string][]string `json:"operations"`
}

func (h *Handler) tableViews() []tableView {
	descs := h.resolver.Catalog().Describe()
	views := make([]tableView, 0, len(descs))
	for _, d := range descs {
		ops := make(map[string][]string, len(d.Operations))
		for _, op := range d.Operations {
			ops[string(op.Operation)] = op.Fields
		}
		views = append(views, tableView{Name: d.Name, LookupKey: d.LookupKey, Operations: ops})
	}
	return views
}

// ServeTables lists every table with its lookup key and per-operation fields.
func (h *Handler) ServeTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"tables": h.tableViews()})
}

// ServeIndex renders the table picker page.
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, map[string]any{"Tables": h.tableViews()}); err != nil {
		logging.FromContext(r.Context()).Error("failed to render index", slog.String("error", err.Error()))
	}
}
