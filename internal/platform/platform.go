// Package platform describes the two supported video-generation services
// and implements the direct signed HTTP client against their JSON APIs.
package platform

// StatusCodes are the vendor's numeric business codes. The exact values are
// reverse-engineered from observed behavior and treated as configuration
// data, not stable API.
type StatusCodes struct {
	Success             int
	LoginRequired       int
	InsufficientBalance int
	SecurityCheck       int
	ContentFilter       int // fail_code on a failed generation record
	Uploaded            int // object-store apply/commit status
}

// Platform is one external video-generation web service.
type Platform struct {
	Key          string
	BaseURL      string
	AppVersion   string
	Code         string // platform code mixed into the short signature
	CookieDomain string
	// GeneratePage is the authenticated app page a browser session parks
	// on so the anti-bot SDK has executed before in-page fetches.
	GeneratePage string
	// SessionCookies lists candidate session cookie names in priority
	// order; the first entry is the one named in credential errors.
	SessionCookies []string
	DefaultParams  map[string]string
	Codes          StatusCodes
	Models         []string
	DefaultModel   string
	// SDKReadyExpr is a JS expression that turns truthy once the page's
	// anti-bot SDK initialized. Waiting on it is best-effort.
	SDKReadyExpr string
}

// PrimaryCookie returns the cookie field named in credential remediation
// messages.
func (p *Platform) PrimaryCookie() string {
	if len(p.SessionCookies) == 0 {
		return ""
	}
	return p.SessionCookies[0]
}

// ValidModel reports whether id is in the platform's model catalog.
func (p *Platform) ValidModel(id string) bool {
	for _, m := range p.Models {
		if m == id {
			return true
		}
	}
	return false
}

// Jimeng is the direct-model platform: signed JSON API, cookie session,
// ImageX reference uploads, submit-then-poll generation.
func Jimeng() *Platform {
	return &Platform{
		Key:          "jimeng",
		BaseURL:      "https://jimeng.jianying.com",
		AppVersion:   "5.8.0",
		Code:         "7",
		CookieDomain: ".jianying.com",
		GeneratePage: "https://jimeng.jianying.com/ai-tool/video/generate",
		SessionCookies: []string{
			"sessionid", "sessionid_ss", "sid_tt", "sid_guard",
		},
		DefaultParams: map[string]string{
			"aid":             "513695",
			"device_platform": "web",
			"region":          "CN",
			"web_version":     "5.8.0",
		},
		Codes: StatusCodes{
			Success:             0,
			LoginRequired:       1015,
			InsufficientBalance: 5000,
			SecurityCheck:       1019,
			ContentFilter:       2038,
			Uploaded:            2000,
		},
		Models:       []string{"seedance-2.0-pro", "seedance-2.0", "video-3.0"},
		DefaultModel: "seedance-2.0",
		SDKReadyExpr: `typeof window.byted_acrawler !== 'undefined'`,
	}
}

// Dreamina is the agent-flow platform: workspace identity, chat-style run
// submission, thread polling, artifact resolution.
func Dreamina() *Platform {
	return &Platform{
		Key:          "dreamina",
		BaseURL:      "https://dreamina.capcut.com",
		AppVersion:   "1.2.0",
		Code:         "7",
		CookieDomain: ".capcut.com",
		GeneratePage: "https://dreamina.capcut.com/ai-tool/generate",
		// Priority reversed relative to jimeng: the legacy guard cookie is
		// the one the agent backend trusts.
		SessionCookies: []string{
			"sid_guard", "sessionid_ss", "sessionid",
		},
		DefaultParams: map[string]string{
			"aid":             "348188",
			"device_platform": "web",
			"region":          "US",
		},
		Codes: StatusCodes{
			Success:             0,
			LoginRequired:       1015,
			InsufficientBalance: 5000,
			SecurityCheck:       1019,
			ContentFilter:       2038,
			Uploaded:            2000,
		},
		Models:       []string{"dreamina-agent", "seedance-intl"},
		DefaultModel: "dreamina-agent",
		SDKReadyExpr: `typeof window.byted_acrawler !== 'undefined'`,
	}
}

// Lookup resolves a platform selector.
func Lookup(key string) (*Platform, bool) {
	switch key {
	case "jimeng":
		return Jimeng(), true
	case "dreamina":
		return Dreamina(), true
	default:
		return nil, false
	}
}
