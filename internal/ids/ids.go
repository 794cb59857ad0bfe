package ids

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const traceDomain = "streamq-test"

// JobInstanceID returns tp + local timestamp + 8 base32 chars of randomness,
// e.g. LLM20241223232741AB3D5FQX.
func JobInstanceID(tp string) string {
	u := uuid.New()
	return strings.ToUpper(tp) + time.Now().Format("20060102150405") + base32.StdEncoding.EncodeToString(u[:5])
}

// TraceID returns a per-exchange trace identifier.
func TraceID() string {
	return fmt.Sprintf("L%s@%s", JobInstanceID(""), traceDomain)
}

// HexTraceID is the dash-less uuid form used by synthesis backends.
func HexTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SessionID identifies one virtual user for the lifetime of a run.
func SessionID(job, parent, title string, user int) string {
	return fmt.Sprintf("STREAMQ.%s.%s.%s.%d", job, parent, title, user)
}
