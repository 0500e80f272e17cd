package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/daxiondi/seedance2.0/types"
)

// Classify interprets a raw vendor response body. The same rules apply to
// direct HTTP responses and to bodies fetched from inside a browser page,
// so both paths share this function.
//
// Rules:
//   - HTML document        -> authentication/anti-bot failure, names the
//     cookie field the caller should refresh, never retried
//   - other non-JSON       -> malformed response with a sanitized preview
//   - business code 0      -> success, returns the payload's data object
//   - login / balance /
//     security-check codes -> mapped to their dedicated error codes
//   - any other code       -> generic business error
//
// All business errors are terminal. Only the transport layer above this
// function ever marks errors retryable.
func Classify(p *Platform, body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, types.NewError(types.ErrMalformedResponse, "empty response body").WithPlatform(p.Key)
	}

	if looksLikeHTML(trimmed) {
		return nil, types.Errorf(types.ErrAuthentication,
			"%s rejected the request with a challenge page; refresh the %q cookie and retry",
			p.Key, p.PrimaryCookie()).
			WithPlatform(p.Key).
			WithHTTPStatus(401)
	}

	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, types.Errorf(types.ErrMalformedResponse,
			"unexpected response body: %s", preview(trimmed)).
			WithPlatform(p.Key).
			WithCause(err)
	}

	code, ok := FirstNumber(m, "ret", "code", "errcode", "status_code")
	if !ok {
		// Some endpoints (object store, asset CDN) carry no business
		// envelope at all; hand the payload back untouched.
		return m, nil
	}

	vendorMsg := FirstString(m, "errmsg", "message", "msg")

	switch int(code) {
	case p.Codes.Success:
		if data, ok := FirstMap(m, "data"); ok {
			return data, nil
		}
		return m, nil
	case p.Codes.LoginRequired:
		return nil, types.Errorf(types.ErrAuthentication,
			"%s session expired (ret=%d); supply a fresh %q cookie value",
			p.Key, int(code), p.PrimaryCookie()).
			WithPlatform(p.Key).
			WithHTTPStatus(401)
	case p.Codes.InsufficientBalance:
		return nil, types.Errorf(types.ErrInsufficientBalance,
			"%s reports insufficient credit: %s", p.Key, vendorMsg).
			WithPlatform(p.Key).
			WithHTTPStatus(402)
	case p.Codes.SecurityCheck:
		return nil, types.Errorf(types.ErrSecurityCheck,
			"%s requires re-verification (ret=%d)", p.Key, int(code)).
			WithPlatform(p.Key)
	default:
		msg := fmt.Sprintf("%s rejected the request (ret=%d)", p.Key, int(code))
		if vendorMsg != "" {
			msg += ": " + vendorMsg
		}
		return nil, types.NewError(types.ErrBusinessRejected, msg).WithPlatform(p.Key)
	}
}

func looksLikeHTML(b []byte) bool {
	head := strings.ToLower(string(b[:min(len(b), 256)]))
	return strings.HasPrefix(head, "<!doctype") ||
		strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<head>")
}

// preview renders a short single-line excerpt of a body for diagnostics.
func preview(b []byte) string {
	s := strings.Join(strings.Fields(string(b)), " ")
	const max = 120
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
