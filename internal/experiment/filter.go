package experiment

import (
	"strings"

	"github.com/synapse-lab/backend/internal/models"
)

// Filter narrows a listing page. Query matches the title only; Type "" or
// "all" disables the type filter.
type Filter struct {
	Query string
	Type  string
}

func (f Filter) typeFilter() string {
	t := strings.ToLower(strings.TrimSpace(f.Type))
	if t == "all" {
		return ""
	}
	return t
}

// Apply returns the matching records in page order. An empty filter returns
// page itself.
func (f Filter) Apply(page []models.Experiment) []models.Experiment {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	typ := f.typeFilter()
	if query == "" && typ == "" {
		return page
	}

	out := make([]models.Experiment, 0, len(page))
	for _, e := range page {
		if query != "" && !strings.Contains(strings.ToLower(e.Title), query) {
			continue
		}
		if typ != "" && string(e.Type) != typ {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Search keeps records whose title, description or type contains query,
// ignoring case. A blank query matches nothing; otherwise surrounding spaces
// are part of the match.
func Search(page []models.Experiment, query string) []models.Experiment {
	out := make([]models.Experiment, 0)
	if strings.TrimSpace(query) == "" {
		return out
	}
	q := strings.ToLower(query)
	for _, e := range page {
		if strings.Contains(strings.ToLower(e.Title), q) ||
			strings.Contains(strings.ToLower(e.Description), q) ||
			strings.Contains(strings.ToLower(string(e.Type)), q) {
			out = append(out, e)
		}
	}
	return out
}
