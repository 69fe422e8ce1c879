package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestMeta is the client metadata attached to connection events.
type RequestMeta struct {
	DeviceID  string
	IP        string
	RequestID string
}

// RequestMetaFrom reads client metadata from headers, falling back to the
// device_id and request_id query parameters since browsers cannot set headers
// on a WebSocket handshake. A missing request id is generated.
func RequestMetaFrom(r *http.Request) RequestMeta {
	q := r.URL.Query()
	meta := RequestMeta{
		DeviceID:  firstSet(r.Header.Get("X-Device-Id"), q.Get("device_id")),
		IP:        ClientIP(r),
		RequestID: firstSet(r.Header.Get("X-Request-Id"), q.Get("request_id")),
	}
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}
	return meta
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-Ip, then the
// peer address. Header values that are not IPs are ignored.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-Ip"))); ip != nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
