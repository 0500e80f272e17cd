package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var jimengCandidates = []string{"sessionid", "sessionid_ss", "sid_tt", "sid_guard"}

func TestNormalize_BareToken(t *testing.T) {
	cred := Normalize("a1b2c3d4e5", jimengCandidates)
	assert.Equal(t, "a1b2c3d4e5", cred.Token)
	assert.Empty(t, cred.CookieHeader)
}

func TestNormalize_ColonPair(t *testing.T) {
	cred := Normalize("sessionid:deadbeef", jimengCandidates)
	assert.Equal(t, "deadbeef", cred.Token)
}

func TestNormalize_CookieBlob(t *testing.T) {
	raw := "sid_guard=guard%7C123; sessionid=abc123; sessionid_ss=abc123; ttwid=xyz"
	cred := Normalize(raw, jimengCandidates)
	assert.Equal(t, "abc123", cred.Token)
	assert.Contains(t, cred.CookieHeader, "sessionid=abc123")
	assert.Contains(t, cred.CookieHeader, "ttwid=xyz")
}

func TestNormalize_PriorityOrderDecides(t *testing.T) {
	raw := "sessionid_ss=second; sessionid=first"
	cred := Normalize(raw, jimengCandidates)
	assert.Equal(t, "first", cred.Token)

	// Reversed candidate order (the other platform) picks the other cookie.
	cred = Normalize(raw, []string{"sessionid_ss", "sessionid"})
	assert.Equal(t, "second", cred.Token)
}

func TestNormalize_SinglePairFallback(t *testing.T) {
	cred := Normalize("some_unknown_cookie=value42", jimengCandidates)
	assert.Equal(t, "value42", cred.Token)
	assert.Equal(t, "some_unknown_cookie=value42", cred.CookieHeader)
}

func TestNormalize_NoUsableCredential(t *testing.T) {
	cred := Normalize("foo=1; bar=2", jimengCandidates)
	assert.Empty(t, cred.Token)
	// Parsed pairs are still reconstructed for downstream cookie seeding.
	assert.Equal(t, "foo=1; bar=2", cred.CookieHeader)

	assert.Empty(t, Normalize("", jimengCandidates).Token)
	assert.Empty(t, Normalize("   ", jimengCandidates).Token)
}

func TestNormalize_NewlineSeparatedBlob(t *testing.T) {
	raw := "ttwid=x\nsessionid=tok\nsid_tt=other"
	cred := Normalize(raw, jimengCandidates)
	assert.Equal(t, "tok", cred.Token)
}

// Bare-token identity law: any string without '=' that is not pair-shaped
// normalizes to itself.
func TestNormalize_BareTokenIdentityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		token := rapid.StringMatching(`[A-Za-z0-9_-]{8,64}`).Draw(t, "token")
		cred := Normalize(token, jimengCandidates)
		assert.Equal(t, token, cred.Token)
	})
}

// Highest-priority cookie law: whenever the top candidate key is present in
// a cookie blob, its value is selected regardless of fragment order or
// surrounding whitespace.
func TestNormalize_HighestPriorityCookieProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := rapid.StringMatching(`[A-Za-z0-9]{6,32}`).Draw(t, "want")
		noise := rapid.StringMatching(`[A-Za-z0-9]{1,16}`).Draw(t, "noise")

		fragments := []string{
			"sessionid=" + want,
			"ttwid=" + noise,
			"sid_tt=" + noise,
		}
		perm := rapid.Permutation(fragments).Draw(t, "perm")
		pad := rapid.SampledFrom([]string{"", " ", "  "}).Draw(t, "pad")
		raw := strings.Join(perm, ";"+pad)

		cred := Normalize(raw, jimengCandidates)
		assert.Equal(t, want, cred.Token)
	})
}

// Idempotence: normalizing an already-canonical token is the identity.
// Values include base64-style '=' padding, which must not be re-parsed
// as a cookie pair on the second pass.
func TestNormalize_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.StringMatching(`[a-zA-Z0-9]{4,20}=[a-zA-Z0-9+/]{4,20}(==?)?`).Draw(t, "raw")
		once := Normalize(raw, jimengCandidates)
		twice := Normalize(once.Token, jimengCandidates)
		assert.Equal(t, once.Token, twice.Token)
	})
}

func TestNormalize_Base64PaddedTokenUnchanged(t *testing.T) {
	for _, raw := range []string{"dGVzdA==", "dGVzdA=", "c2Vzc2lvbg=="} {
		cred := Normalize(raw, jimengCandidates)
		assert.Equal(t, raw, cred.Token, raw)

		again := Normalize(cred.Token, jimengCandidates)
		assert.Equal(t, raw, again.Token, raw)
	}

	// A candidate cookie whose value carries padding still yields that
	// value, and the value survives a second pass.
	cred := Normalize("sessionid=dGVzdA==; ttwid=x", jimengCandidates)
	assert.Equal(t, "dGVzdA==", cred.Token)
	assert.Equal(t, "dGVzdA==", Normalize(cred.Token, jimengCandidates).Token)
}
