package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Object-store scope constants. The vendor's store verifies against this
// exact region/service pair regardless of the upload host.
const (
	UploadRegion  = "cn-north-1"
	UploadService = "imagex"
)

const (
	algorithm      = "AWS4-HMAC-SHA256"
	amzTimeFormat  = "20060102T150405Z"
	shortDateLayout = "20060102"
)

// Credentials are the transient object-store credentials from an upload
// ticket. SessionToken may be empty for long-lived keys.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// SignV4 builds the SigV4 authorization header for the given request and
// returns it together with the headers that participated in the signature
// (x-amz-date, x-amz-security-token when present, plus extraHeaders).
// Callers must send those headers byte-identical to what was signed.
//
// The store's verifier rejects any canonicalization drift (query order,
// header casing, payload hash), so this follows the AWS canonical request
// construction exactly.
func SignV4(method, rawURL string, extraHeaders map[string]string, creds Credentials, payload []byte, now time.Time) (string, map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("sigv4: parse url: %w", err)
	}

	amzDate := now.UTC().Format(amzTimeFormat)
	shortDate := now.UTC().Format(shortDateLayout)

	signed := map[string]string{
		"x-amz-date": amzDate,
	}
	if creds.SessionToken != "" {
		signed["x-amz-security-token"] = creds.SessionToken
	}
	for k, v := range extraHeaders {
		signed[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	names := make([]string, 0, len(signed))
	for k := range signed {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, k := range names {
		canonicalHeaders.WriteString(k)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(signed[k])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaderList := strings.Join(names, ";")

	payloadHash := sha256.Sum256(payload)
	payloadHex := hex.EncodeToString(payloadHash[:])

	canonicalURI := u.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(method),
		canonicalURI,
		canonicalQuery(u.Query()),
		canonicalHeaders.String(),
		signedHeaderList,
		payloadHex,
	}, "\n")

	scope := strings.Join([]string{shortDate, UploadRegion, UploadService, "aws4_request"}, "/")
	reqHash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(reqHash[:]),
	}, "\n")

	// Four chained keyed hashes: date -> region -> service -> "aws4_request".
	key := hmacSHA256([]byte("AWS4"+creds.SecretAccessKey), shortDate)
	key = hmacSHA256(key, UploadRegion)
	key = hmacSHA256(key, UploadService)
	key = hmacSHA256(key, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	authorization := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, creds.AccessKeyID, scope, signedHeaderList, signature)

	out := make(map[string]string, len(signed))
	for k, v := range signed {
		out[k] = v
	}
	return authorization, out, nil
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// canonicalQuery renders the query string with keys and values sorted and
// percent-encoded the AWS way (space as %20, unreserved set untouched).
func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(awsEscape(k))
			b.WriteByte('=')
			b.WriteString(awsEscape(v))
		}
	}
	return b.String()
}

func awsEscape(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
	return b.String()
}
