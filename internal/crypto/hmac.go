package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// SignPayload returns the hex HMAC-SHA256 of timestamp + "." + body under
// secret. Receivers recompute it to authenticate webhook deliveries.
func SignPayload(secret string, unixTS int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unixTS, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload reports whether signature matches SignPayload for the same
// inputs, in constant time.
func VerifyPayload(secret string, unixTS int64, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(SignPayload(secret, unixTS, body))
	return hmac.Equal(got, want)
}
