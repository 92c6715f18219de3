package admin

import (
	"net/http"
	"time"
)

// parseDurationQuery parses a time.ParseDuration-compatible query
// parameter, falling back to def when absent.
func parseDurationQuery(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}
