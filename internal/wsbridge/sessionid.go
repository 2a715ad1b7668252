package wsbridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newSessionID derives a 64-hex-char session id from the client's user
// agent, remote address, current time and a random salt, matching the
// ClientSession contract in spec.md §3. The salt alone would already be
// unguessable; folding in the request attributes keeps ids impossible to
// correlate across sessions from the hash value alone.
func newSessionID(clientIP, userAgent string, now time.Time) string {
	salt := uuid.New()
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s", clientIP, userAgent, now.UnixNano(), salt.String()))
	return hex.EncodeToString(sum[:])
}
