package kalshi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// sign computes the base64 HMAC-SHA256 signature Kalshi expects over
// timestamp+method+path.
func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
