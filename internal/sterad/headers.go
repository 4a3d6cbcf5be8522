package sterad

import (
	"net/http"
	"strings"
)

const sourceHeader = "X-Sterad"

// Response sources reported in the X-Sterad header.
const (
	sourceMemory  = "memory"
	sourceStatic  = "static"
	sourceDisk    = "disk"
	sourceShell   = "shell"
	sourceCapture = "capture"
)

// securityHeaders is the fixed set sent with every response.
type securityHeaders struct {
	csp string
}

func newSecurityHeaders(override, inlineScriptHash string) securityHeaders {
	csp := strings.TrimSpace(override)
	if csp == "" {
		csp = strings.Join([]string{
			"default-src 'self'",
			"script-src 'self' " + inlineScriptHash,
			"style-src 'self' 'unsafe-inline'",
			"img-src 'self' data: https:",
			"font-src 'self' data:",
			"connect-src 'self'",
			"object-src 'none'",
			"base-uri 'self'",
			"frame-ancestors 'none'",
			"form-action 'self'",
		}, "; ")
	}
	return securityHeaders{csp: csp}
}

func (s securityHeaders) apply(h http.Header) {
	h.Set("Content-Security-Policy", s.csp)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(sourceHeader, source)
	}
	// Custom headers are invisible to cross-origin JS unless exposed.
	ensureExposedHeader(h, sourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
