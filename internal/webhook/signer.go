package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign computes the HMAC-SHA256 signature of timestamp || "." || payload
// using secret. The
// shape (hex-encoded mac over a delimited string) is grounded in
// internal/notifications/webhook.go's sign(), generalized to include the
// timestamp in the signed material so a replayed payload with a stale
// timestamp fails verification.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the expected one using a
// constant-time comparison, a receiver-side utility mirroring
// notifications.VerifySignature.
func Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
