// Package auth normalizes user-supplied credential strings into a
// canonical session token plus an optional raw-cookie passthrough.
package auth

import (
	"regexp"
	"strings"
)

// Credential is the normalized form of a raw credential string.
type Credential struct {
	// Token is the canonical session token. Empty means "no usable
	// credential"; normalization never fails louder than that.
	Token string
	// CookieHeader is a reconstructed "name=value; ..." header for every
	// cookie pair that parsed, independent of which token was selected.
	// Used to seed browser contexts with the caller's full cookie set.
	CookieHeader string
}

var pairShape = regexp.MustCompile(`^([A-Za-z0-9_.-]+):(\S+)$`)

// Normalize turns an arbitrary credential string into a Credential.
// Accepted inputs: a bare token, a single name:value / name=value pair,
// or a full multi-cookie header. candidates is the platform's ordered
// list of session cookie names; order encodes priority.
//
// Normalization is pure and idempotent: re-normalizing a canonical token
// returns it unchanged.
func Normalize(raw string, candidates []string) Credential {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}
	}

	if !strings.Contains(raw, "=") {
		if m := pairShape.FindStringSubmatch(raw); m != nil {
			return Credential{Token: m[2]}
		}
		return Credential{Token: raw}
	}

	names, values := parseCookiePairs(raw)
	if len(names) == 0 {
		return Credential{}
	}

	// A base64-padded token ("dGVzdA==") splits into a pair whose value is
	// nothing but padding. When that lone pair names no known cookie and
	// reassembles to the exact input, the input is a bare token, not a
	// cookie fragment. Keeps normalization idempotent for padded tokens.
	if len(names) == 1 {
		n, v := names[0], values[names[0]]
		if (v == "" || strings.Trim(v, "=") == "") && n+"="+v == raw && !isCandidate(n, candidates) {
			return Credential{Token: raw}
		}
	}

	token := ""
	for _, want := range candidates {
		if v, ok := values[want]; ok && v != "" {
			token = v
			break
		}
	}
	if token == "" && len(names) == 1 {
		token = values[names[0]]
	}

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+values[n])
	}
	return Credential{Token: token, CookieHeader: strings.Join(parts, "; ")}
}

func isCandidate(name string, candidates []string) bool {
	for _, c := range candidates {
		if c == name {
			return true
		}
	}
	return false
}

// parseCookiePairs splits a cookie-header-like blob on ';' and newlines,
// then each fragment on the first '='. Returns names in input order plus
// a name->value map; later duplicates win for the value but keep the
// first position.
func parseCookiePairs(raw string) ([]string, map[string]string) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})

	names := make([]string, 0, len(fields))
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if _, seen := values[name]; !seen {
			names = append(names, name)
		}
		values[name] = value
	}
	return names, values
}
