package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// tsDiffMS is the clock-skew tolerance the venue allows between the signed
// timestamp and its own clock.
const tsDiffMS = 5000

// Auth signs Coincall API requests with HMAC-SHA256.
//
// The prehash is METHOD + path, followed by the request parameters as a
// query string (POST only; GET endpoints carry params in the path itself),
// followed by uuid=<api key>&ts=<ms>&x-req-ts-diff=<skew>. The signature is
// the uppercase hex digest of HMAC-SHA256(secret, prehash).
type Auth struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewAuth creates a signer for the given credentials.
func NewAuth(apiKey, apiSecret string) *Auth {
	return &Auth{apiKey: apiKey, apiSecret: apiSecret, now: time.Now}
}

// Headers returns the authentication headers for one request.
// params must be the POST body fields (nil for GET).
func (a *Auth) Headers(method, path string, params map[string]any) map[string]string {
	ts := a.now().UnixMilli()
	return map[string]string{
		"X-CC-APIKEY":   a.apiKey,
		"sign":          a.signature(method, path, ts, params),
		"ts":            strconv.FormatInt(ts, 10),
		"X-REQ-TS-DIFF": strconv.Itoa(tsDiffMS),
	}
}

func (a *Auth) signature(method, path string, ts int64, params map[string]any) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteString(path)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if strings.ToUpper(method) == "POST" && len(params) > 0 {
		sb.WriteString(sep)
		sb.WriteString(encodeParams(params))
		sep = "&"
	}
	fmt.Fprintf(&sb, "%suuid=%s&ts=%d&x-req-ts-diff=%d", sep, a.apiKey, ts, tsDiffMS)

	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(sb.String()))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// encodeParams renders params as k=v pairs joined by &, keys sorted.
// Composite values (slices, maps, structs) are rendered as compact JSON,
// matching what the venue expects for nested payloads like RFQ legs.
func encodeParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatParam(params[k]))
	}
	return strings.Join(parts, "&")
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case decimal.Decimal:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
