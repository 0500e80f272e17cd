// Package signing implements the vendor request signatures: the short
// MD5-template signature attached to every JSON API call, and the full
// AWS-SigV4 signature required by the binary object store.
package signing

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// ShortSign computes the short request digest over the vendor's fixed
// template. The template combines the last 7 characters of the request
// path, the platform code, the web app version and a second-granularity
// timestamp between two fixed fragments. Reproducible bit-for-bit for
// identical inputs; the clock is injected by the caller.
func ShortSign(path, platformCode, version string, ts int64) string {
	suffix := path
	if len(suffix) > 7 {
		suffix = suffix[len(suffix)-7:]
	}
	raw := fmt.Sprintf("9e2c|%s|%s|%s|%d||11ac", suffix, platformCode, version, ts)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
