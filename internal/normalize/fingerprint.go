package normalize

import (
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// GeneratedFingerprintDomain is the synthetic domain for messages without a
// usable Message-ID header.
const GeneratedFingerprintDomain = "mail-archiver.local"

// Fingerprint derives the stable dedup key for a message.
//
// If the message carries a usable Message-ID it is used verbatim (lookup
// treats bracketed and unbracketed forms as equivalent). Otherwise a
// deterministic key is computed from from|to|subject|sent-ticks: SHA-256,
// base64url, truncated to 16 characters.
func Fingerprint(messageID, from, to, subject string, sent time.Time) string {
	if id := strings.TrimSpace(messageID); id != "" && id != "<>" {
		return id
	}

	payload := from + "|" + to + "|" + subject + "|" +
		strconv.FormatInt(sent.UTC().UnixNano(), 10)
	sum := sha256.Sum256([]byte(payload))
	hash := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return "generated-" + hash + "@" + GeneratedFingerprintDomain
}
