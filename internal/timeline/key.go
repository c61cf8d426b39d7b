package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/chatsync/internal/model"
)

const fingerprintPrefixLen = 64

// CorrelationKey builds the client key attached to an outgoing message so that
// its echo can be matched to the placeholder: sender, send time, a hash of the
// content fingerprint and a random suffix for identical sends in the same millisecond.
func CorrelationKey(senderID string, at time.Time, fingerprint string) string {
	return fmt.Sprintf("%s:%d:%016x:%s",
		senderID, at.UnixMilli(), xxhash.Sum64String(fingerprint), uuid.NewString()[:8])
}

func textFingerprint(content string) string {
	s := strings.TrimSpace(content)
	if len(s) > fingerprintPrefixLen {
		s = s[:fingerprintPrefixLen]
	}
	return "text:" + s
}

func fileFingerprint(t model.ContentType, size int64) string {
	return fmt.Sprintf("%s:%d", t, size)
}

func fingerprintOf(m *model.Message) string {
	if m.Type == model.ContentTypeText || m.Type == "" {
		return textFingerprint(m.Content)
	}
	return fileFingerprint(m.Type, m.AttachmentSize)
}

func newTempID() string {
	return model.TempIDPrefix + uuid.NewString()
}
