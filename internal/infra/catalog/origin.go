package catalog

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"webinteract/internal/domain"
)

// NormalizeOrigin reduces a URL to scheme://host[:port] with the scheme and
// host lower-cased and the scheme's default port dropped. Path, query and
// fragment are discarded.
func NormalizeOrigin(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", domain.E(domain.CodeInvalidArgument, "catalog.origin", "origin is required", domain.ErrInvalidRequest)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", domain.E(domain.CodeInvalidArgument, "catalog.origin", fmt.Sprintf("parse origin %q", trimmed), fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", domain.E(domain.CodeInvalidArgument, "catalog.origin", fmt.Sprintf("unsupported origin scheme %q", parsed.Scheme), domain.ErrInvalidRequest)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", domain.E(domain.CodeInvalidArgument, "catalog.origin", fmt.Sprintf("origin %q has no host", trimmed), domain.ErrInvalidRequest)
	}
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, nil
}

// CatalogURL joins a normalized origin with the well-known tools path.
func CatalogURL(origin, toolsPath string) string {
	if toolsPath == "" {
		toolsPath = domain.DefaultCatalogToolsPath
	}
	if !strings.HasPrefix(toolsPath, "/") {
		toolsPath = "/" + toolsPath
	}
	return origin + toolsPath
}
