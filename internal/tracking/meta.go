package tracking

import (
	"net/http"
	"strings"

	"github.com/attacksim/engine/internal/funnel"
)

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func detectDevice(ua string) string {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return "mobile"
	}
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "tablet"
	}
	return "desktop"
}

var botKeywords = []string{"bot", "crawler", "spider", "headless", "phantom", "wget", "curl", "python-requests"}

func isBot(ua string) bool {
	lower := strings.ToLower(ua)
	for _, kw := range botKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// clientMeta builds event metadata from the request, preferring what the
// page reported over transport headers.
func clientMeta(r *http.Request, reportedUA, referrer string) funnel.ClientMeta {
	ua := reportedUA
	if ua == "" {
		ua = r.UserAgent()
	}
	ref := referrer
	if ref == "" {
		ref = r.Referer()
	}
	return funnel.ClientMeta{
		IPAddress:  realIP(r),
		UserAgent:  ua,
		Referrer:   ref,
		DeviceType: detectDevice(ua),
	}
}
