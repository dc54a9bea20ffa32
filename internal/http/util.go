package httpx

import (
	"net/http"
	"strconv"
	"strings"
)

// parseIntQuery reads an integer query parameter, falling back to
// def when the parameter is absent or not a number.
func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
