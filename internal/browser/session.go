package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/types"
)

// chromeFactory owns one shared headless Chrome process. Each session key
// gets its own isolated browser context (separate cookie jar) inside it.
type chromeFactory struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

func newChromeFactory(cfg Config, logger *zap.Logger) *chromeFactory {
	return &chromeFactory{cfg: cfg, logger: logger}
}

// browser returns the shared browser context, launching Chrome on first
// use.
func (f *chromeFactory) browser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browserCtx != nil && f.browserCtx.Err() == nil {
		return f.browserCtx, nil
	}
	f.teardownLocked()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("mute-audio", true),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}

	f.allocCtx, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	f.browserCtx, f.browserStop = chromedp.NewContext(f.allocCtx)

	// First Run launches the process.
	if err := chromedp.Run(f.browserCtx); err != nil {
		f.teardownLocked()
		return nil, types.NewError(types.ErrInternalError, "launching browser").WithCause(err)
	}
	f.logger.Info("browser launched")
	return f.browserCtx, nil
}

func (f *chromeFactory) recycle() {
	f.mu.Lock()
	f.teardownLocked()
	f.mu.Unlock()
}

func (f *chromeFactory) close() {
	f.recycle()
}

func (f *chromeFactory) teardownLocked() {
	if f.browserStop != nil {
		f.browserStop()
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}
	f.browserCtx, f.browserStop = nil, nil
	f.allocCtx, f.allocCancel = nil, nil
}

// newPage opens an isolated tab for key: fresh browser context, session
// cookies injected, parked on the platform's app page so its anti-bot SDK
// runs before any in-page fetch.
func (f *chromeFactory) newPage(ctx context.Context, key Key) (page, error) {
	browserCtx, err := f.browser()
	if err != nil {
		return nil, err
	}

	var bctxID cdp.BrowserContextID
	var targetID target.ID
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		id, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(ctx)
		if err != nil {
			return err
		}
		bctxID = id
		tid, err := target.CreateTarget("about:blank").WithBrowserContextID(id).Do(ctx)
		if err != nil {
			return err
		}
		targetID = tid
		return nil
	}))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "creating browser context").WithCause(err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(targetID))
	pg := &chromePage{
		cfg:       f.cfg,
		logger:    f.logger.With(zap.String("session", key.id())),
		ctx:       tabCtx,
		cancel:    tabCancel,
		browserID: bctxID,
	}

	if err := pg.prepare(ctx, key); err != nil {
		pg.close()
		return nil, err
	}
	return pg, nil
}

// chromePage is one authenticated tab.
type chromePage struct {
	cfg       Config
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	browserID cdp.BrowserContextID
}

// prepare blocks heavy resources, injects session cookies and navigates to
// the platform page. SDK readiness is waited for but a timeout there is
// tolerated.
func (pg *chromePage) prepare(ctx context.Context, key Key) error {
	p := key.Platform

	// Images, fonts and media are dead weight for API-only sessions.
	chromedp.ListenTarget(pg.ctx, func(ev any) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			go func() {
				exec := chromedp.FromContext(pg.ctx)
				cdpCtx := cdp.WithExecutor(pg.ctx, exec.Target)
				switch e.ResourceType {
				case network.ResourceTypeImage, network.ResourceTypeFont, network.ResourceTypeMedia:
					_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(cdpCtx)
				default:
					_ = fetch.ContinueRequest(e.RequestID).Do(cdpCtx)
				}
			}()
		}
	})

	navCtx, cancel := context.WithTimeout(pg.ctx, pg.cfg.NavTimeout)
	defer cancel()

	err := chromedp.Run(navCtx,
		fetch.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return setSessionCookies(ctx, key)
		}),
		chromedp.Navigate(p.GeneratePage),
	)
	if err != nil {
		return types.NewError(types.ErrInternalError, "preparing browser session").
			WithPlatform(p.Key).
			WithCause(err)
	}

	if p.SDKReadyExpr != "" {
		if err := pg.waitReady(p.SDKReadyExpr); err != nil {
			pg.logger.Warn("anti-bot SDK not confirmed ready, continuing", zap.Error(err))
		}
	}
	return nil
}

// setSessionCookies seeds the tab's cookie jar: the canonical token under
// every candidate cookie name, then the caller's raw cookie pairs on top.
func setSessionCookies(ctx context.Context, key Key) error {
	p := key.Platform
	cred := key.Credential

	set := func(name, value string) error {
		return network.SetCookie(name, value).
			WithDomain(p.CookieDomain).
			WithPath("/").
			WithSecure(true).
			Do(ctx)
	}

	if cred.Token != "" {
		for _, name := range p.SessionCookies {
			if err := set(name, cred.Token); err != nil {
				return err
			}
		}
	}
	for _, pair := range splitCookieHeader(cred.CookieHeader) {
		if err := set(pair[0], pair[1]); err != nil {
			return err
		}
	}
	return nil
}

func splitCookieHeader(header string) [][2]string {
	var pairs [][2]string
	req := http.Request{Header: http.Header{"Cookie": []string{header}}}
	for _, c := range req.Cookies() {
		if c.Name != "" {
			pairs = append(pairs, [2]string{c.Name, c.Value})
		}
	}
	return pairs
}

// waitReady polls the readiness expression until it turns truthy.
func (pg *chromePage) waitReady(expr string) error {
	deadline := time.Now().Add(pg.cfg.ReadyTimeout)
	for {
		var ready bool
		ctx, cancel := context.WithTimeout(pg.ctx, 5*time.Second)
		err := chromedp.Run(ctx, chromedp.Evaluate(expr, &ready))
		cancel()
		if err == nil && ready {
			return nil
		}
		if isClosedErr(err) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("readiness expression still false after %s", pg.cfg.ReadyTimeout)
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-pg.ctx.Done():
			return pg.ctx.Err()
		}
	}
}

// fetchEnvelope is what the injected script returns.
type fetchEnvelope struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// fetch runs window.fetch inside the authenticated page and returns the
// raw response body. The page's own origin, cookies and anti-bot headers
// apply, which is the entire point of going through the browser.
func (pg *chromePage) fetch(ctx context.Context, url string, opt FetchOptions) ([]byte, error) {
	method := opt.Method
	if method == "" {
		method = http.MethodGet
	}
	headers := opt.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	urlJS, _ := json.Marshal(url)
	methodJS, _ := json.Marshal(method)
	headersJS, _ := json.Marshal(headers)
	bodyJS := []byte("null")
	if opt.Body != "" {
		bodyJS, _ = json.Marshal(opt.Body)
	}

	expr := fmt.Sprintf(`(async () => {
		const resp = await fetch(%s, {
			method: %s,
			headers: %s,
			body: %s,
			credentials: "include",
		});
		const text = await resp.text();
		return JSON.stringify({status: resp.status, body: text});
	})()`, urlJS, methodJS, headersJS, bodyJS)

	evalCtx, cancel := context.WithTimeout(pg.ctx, pg.cfg.NavTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok && dl.Before(time.Now().Add(pg.cfg.NavTimeout)) {
		evalCtx, cancel = context.WithDeadline(pg.ctx, dl)
		defer cancel()
	}

	var raw string
	err := chromedp.Run(evalCtx, chromedp.Evaluate(expr, &raw,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		},
	))
	if err != nil {
		if isClosedErr(err) {
			return nil, err
		}
		return nil, types.NewError(types.ErrUpstreamError, "in-page fetch failed").
			WithRetryable(true).
			WithCause(err)
	}

	var env fetchEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, types.NewError(types.ErrMalformedResponse, "in-page fetch returned an unreadable envelope").WithCause(err)
	}
	if env.Status >= 500 {
		return nil, types.Errorf(types.ErrUpstreamError, "upstream returned HTTP %d", env.Status).WithRetryable(true)
	}
	return []byte(env.Body), nil
}

func (pg *chromePage) alive() bool {
	return pg.ctx.Err() == nil
}

func (pg *chromePage) close() {
	pg.cancel()
}
