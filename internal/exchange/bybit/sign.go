package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// BuildParamString renders query parameters the way the signature expects
// them: keys sorted in byte order, joined as k=v pairs with &. An empty map
// yields an empty string.
func BuildParamString(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign computes the v5 request signature:
//
//	HMAC-SHA256(secret, timestamp + apiKey + recvWindow + paramString + body)
//
// hex encoded lowercase. timestamp and recvWindow are the exact strings sent
// in the X-BAPI-TIMESTAMP and X-BAPI-RECV-WINDOW headers; body is the exact
// request body. Pure function: identical input always yields identical
// output.
func Sign(secret, timestamp, apiKey, recvWindow string, params map[string]string, body string) string {
	payload := timestamp + apiKey + recvWindow + BuildParamString(params) + body

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
