package session

import (
	"net/http"
	"strings"

	"webinteract/internal/domain"
)

// IDFromRequest returns the browser session id carried by r, preferring the
// header over the query parameter.
func IDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := strings.TrimSpace(r.Header.Get(domain.SessionIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(domain.SessionIDQueryParam))
}
