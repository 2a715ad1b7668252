// Package validate implements the proxy's input validation rules: pure
// functions that normalize or reject untrusted input before it reaches the
// router, the supervisor or a backend. None of them touch shared state.
package validate

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

const (
	MaxPath  = 1000
	MaxQuery = 2048
	MaxFrame = 1 << 20 // 1 MiB
)

var (
	appNameRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	sessionIDRe = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Path rejects request paths that are too long, carry a NUL or other
// control byte, or attempt directory traversal.
func Path(p string) (string, error) {
	if len(p) > MaxPath {
		return "", fmt.Errorf("invalid path: exceeds maximum length of %d", MaxPath)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("invalid path: contains NUL byte")
	}
	for _, b := range []byte(p) {
		if (b >= 1 && b <= 8) || (b >= 14 && b <= 31) || b == 127 {
			return "", fmt.Errorf("invalid path: contains control character")
		}
	}
	if containsTraversal(p) {
		return "", fmt.Errorf("invalid path: directory traversal")
	}
	return p, nil
}

func containsTraversal(p string) bool {
	n := len(p)
	for i := 0; i+1 < n; i++ {
		if p[i] != '.' || p[i+1] != '.' {
			continue
		}
		before := byte(0)
		if i > 0 {
			before = p[i-1]
		}
		after := byte(0)
		if i+2 < n {
			after = p[i+2]
		}
		beforeSep := i == 0 || before == '/' || before == '\\'
		afterSep := i+2 >= n || after == '/' || after == '\\'
		if beforeSep && afterSep {
			return true
		}
	}
	return false
}

// Method uppercases and trims m and checks it against the allowed set.
func Method(m string) (string, error) {
	m = strings.ToUpper(strings.TrimSpace(m))
	if !allowedMethods[m] {
		return "", fmt.Errorf("method not allowed: %s", m)
	}
	return m, nil
}

// Query rejects overlong query strings and malformed percent-escapes.
func Query(q string) (string, error) {
	if len(q) > MaxQuery {
		return "", fmt.Errorf("invalid query: exceeds maximum length of %d", MaxQuery)
	}
	for i := 0; i < len(q); i++ {
		if q[i] != '%' {
			continue
		}
		if i+2 >= len(q) || !isHex(q[i+1]) || !isHex(q[i+2]) {
			return "", fmt.Errorf("invalid query: malformed percent-encoding")
		}
	}
	return q, nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// Frame validates a WebSocket text-frame payload: no larger than MaxFrame,
// no embedded NUL.
func Frame(payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("invalid frame: exceeds maximum size of %d bytes", MaxFrame)
	}
	for _, b := range payload {
		if b == 0 {
			return fmt.Errorf("invalid frame: contains NUL byte")
		}
	}
	return nil
}

// AppName checks name against the app-name pattern shared by config
// loading and request routing.
func AppName(name string) bool {
	return appNameRe.MatchString(name)
}

// SessionID checks id against the 64-hex-char session id pattern.
func SessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// IPAddress accepts canonical IPv4, canonical IPv6, and the documented
// sentinel values used when a remote address can't be determined.
func IPAddress(addr string) bool {
	switch addr {
	case "localhost", "127.0.0.1", "::1", "::", "unknown":
		return true
	}
	return net.ParseIP(addr) != nil
}
