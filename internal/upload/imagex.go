// Package upload implements the 4-step signed object-store upload used to
// stage reference images before generation: ticket, apply, put, commit.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	// Reference images arrive as raw bytes in any of the common formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/internal/retry"
	"github.com/daxiondi/seedance2.0/internal/signing"
	"github.com/daxiondi/seedance2.0/types"
)

const defaultApplyHost = "https://imagex.bytedanceapi.com"

const stepTimeout = 45 * time.Second

// Material is an uploaded image's server-side URI plus its pixel size.
// Consumed by exactly one generation call and not retained afterward.
type Material struct {
	URI    string
	Width  int
	Height int
}

type apiClient interface {
	Request(ctx context.Context, method, path string, p *platform.Platform, token string, opts platform.RequestOptions) (map[string]any, error)
}

// Uploader drives the object-store upload protocol. Tickets are single
// use: any mid-sequence failure discards the ticket, and re-running the
// whole sequence is the only recovery path.
type Uploader struct {
	api       apiClient
	http      *http.Client
	logger    *zap.Logger
	now       func() time.Time
	applyHost string
	backoff   func(int) time.Duration
	observe   func(platformKey, outcome string)
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient swaps the raw HTTP client used for store calls.
func WithHTTPClient(h *http.Client) Option {
	return func(u *Uploader) { u.http = h }
}

// WithApplyHost overrides the object-store endpoint.
func WithApplyHost(host string) Option {
	return func(u *Uploader) { u.applyHost = host }
}

// WithClock pins the signing clock.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// WithRetryBackoff overrides the transport retry backoff.
func WithRetryBackoff(b func(int) time.Duration) Option {
	return func(u *Uploader) { u.backoff = b }
}

// WithObserver registers a per-upload outcome callback ("ok" or the error
// code). Used to feed the upload metrics.
func WithObserver(fn func(platformKey, outcome string)) Option {
	return func(u *Uploader) { u.observe = fn }
}

// NewUploader creates an Uploader on top of the platform API client.
func NewUploader(api apiClient, logger *zap.Logger, opts ...Option) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Uploader{
		api:       api,
		http:      &http.Client{Timeout: stepTimeout},
		logger:    logger.With(zap.String("component", "uploader")),
		now:       time.Now,
		applyHost: defaultApplyHost,
		backoff:   retry.Linear(time.Second),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload stages one reference image and returns its material reference.
func (u *Uploader) Upload(ctx context.Context, p *platform.Platform, token string, data []byte) (*Material, error) {
	mat, err := u.upload(ctx, p, token, data)
	if u.observe != nil {
		u.observe(p.Key, platform.CallOutcome(err))
	}
	return mat, err
}

func (u *Uploader) upload(ctx context.Context, p *platform.Platform, token string, data []byte) (*Material, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "reference image is not a decodable png/jpeg/gif").WithCause(err)
	}

	creds, serviceID, err := u.requestTicket(ctx, p, token)
	if err != nil {
		return nil, err
	}

	crc := fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
	host, storeURI, storeAuth, sessionKey, err := u.applyUpload(ctx, p, creds, serviceID, len(data))
	if err != nil {
		return nil, err
	}

	if err := u.putBytes(ctx, p, host, storeURI, storeAuth, crc, data); err != nil {
		return nil, err
	}

	if err := u.commitUpload(ctx, p, creds, serviceID, sessionKey); err != nil {
		return nil, err
	}

	u.logger.Info("reference image uploaded",
		zap.String("platform", p.Key),
		zap.String("uri", storeURI),
		zap.Int("bytes", len(data)),
	)
	return &Material{URI: storeURI, Width: cfg.Width, Height: cfg.Height}, nil
}

// requestTicket obtains single-use store credentials scoped to image
// upload intent.
func (u *Uploader) requestTicket(ctx context.Context, p *platform.Platform, token string) (signing.Credentials, string, error) {
	data, err := u.api.Request(ctx, http.MethodGet, "/mweb/v1/get_upload_token", p, token, platform.RequestOptions{
		Params: map[string]string{"scene": "2"},
	})
	if err != nil {
		return signing.Credentials{}, "", err
	}

	creds := signing.Credentials{
		AccessKeyID:     platform.FirstString(data, "auth.access_key_id", "access_key_id"),
		SecretAccessKey: platform.FirstString(data, "auth.secret_access_key", "secret_access_key"),
		SessionToken:    platform.FirstString(data, "auth.session_token", "session_token"),
	}
	serviceID := platform.FirstString(data, "alice.service_id", "service_id", "space_name")
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || serviceID == "" {
		return signing.Credentials{}, "", types.NewError(types.ErrUploadFailed, "upload ticket is missing store credentials").WithPlatform(p.Key)
	}
	return creds, serviceID, nil
}

// applyUpload requests authorization for the exact byte length and yields
// the storage host, object key and per-object auth token.
func (u *Uploader) applyUpload(ctx context.Context, p *platform.Platform, creds signing.Credentials, serviceID string, size int) (host, storeURI, storeAuth, sessionKey string, err error) {
	applyURL := fmt.Sprintf("%s/?Action=ApplyImageUpload&Version=2018-08-01&ServiceId=%s&FileSize=%d",
		u.applyHost, serviceID, size)

	m, err := u.signedStoreCall(ctx, p, http.MethodGet, applyURL, nil, creds)
	if err != nil {
		return "", "", "", "", err
	}

	host = platform.FirstString(m, "Result.UploadAddress.UploadHosts.0")
	storeURI = platform.FirstString(m, "Result.UploadAddress.StoreInfos.0.StoreUri")
	storeAuth = platform.FirstString(m, "Result.UploadAddress.StoreInfos.0.Auth")
	sessionKey = platform.FirstString(m, "Result.UploadAddress.SessionKey")
	if host == "" || storeURI == "" || storeAuth == "" || sessionKey == "" {
		vendor := platform.FirstString(m, "ResponseMetadata.Error.Message")
		return "", "", "", "", types.Errorf(types.ErrUploadFailed, "apply rejected: %s", vendor).WithPlatform(p.Key)
	}
	return host, storeURI, storeAuth, sessionKey, nil
}

// putBytes streams the raw bytes to the assigned host, authenticated with
// the per-object token rather than SigV4.
func (u *Uploader) putBytes(ctx context.Context, p *platform.Platform, host, storeURI, storeAuth, crc string, data []byte) error {
	putURL := fmt.Sprintf("https://%s/upload/v1/%s", host, storeURI)
	if strings.Contains(host, "://") {
		putURL = fmt.Sprintf("%s/upload/v1/%s", host, storeURI)
	}

	m, err := retry.Do(ctx, u.transportPolicy(), u.logger, func() (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(data))
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "build store request").WithCause(err)
		}
		req.Header.Set("Authorization", storeAuth)
		req.Header.Set("Content-CRC32", crc)
		req.Header.Set("Content-Type", "application/octet-stream")
		return u.doStore(req, p)
	})
	if err != nil {
		return err
	}

	if code, ok := platform.FirstNumber(m, "code"); !ok || int(code) != p.Codes.Uploaded {
		return types.Errorf(types.ErrUploadFailed, "store refused the object (code=%v)", m["code"]).WithPlatform(p.Key)
	}
	return nil
}

// commitUpload finalizes the upload; anything but the uploaded status is a
// hard failure since tickets are single-use.
func (u *Uploader) commitUpload(ctx context.Context, p *platform.Platform, creds signing.Credentials, serviceID, sessionKey string) error {
	commitURL := fmt.Sprintf("%s/?Action=CommitImageUpload&Version=2018-08-01&ServiceId=%s", u.applyHost, serviceID)
	payload, err := json.Marshal(map[string]string{"SessionKey": sessionKey})
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal commit payload").WithCause(err)
	}

	m, err := u.signedStoreCall(ctx, p, http.MethodPost, commitURL, payload, creds)
	if err != nil {
		return err
	}

	status, ok := platform.FirstNumber(m, "Result.Results.0.UriStatus")
	if !ok || int(status) != p.Codes.Uploaded {
		return types.Errorf(types.ErrUploadFailed, "commit did not confirm upload (uri_status=%v)", status).WithPlatform(p.Key)
	}
	return nil
}

// signedStoreCall issues one SigV4-signed store call, retrying transport
// failures only.
func (u *Uploader) signedStoreCall(ctx context.Context, p *platform.Platform, method, rawURL string, payload []byte, creds signing.Credentials) (map[string]any, error) {
	return retry.Do(ctx, u.transportPolicy(), u.logger, func() (map[string]any, error) {
		auth, headers, err := signing.SignV4(method, rawURL, nil, creds, payload, u.now())
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "sign store request").WithCause(err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "build store request").WithCause(err)
		}
		req.Header.Set("Authorization", auth)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return u.doStore(req, p)
	})
}

func (u *Uploader) doStore(req *http.Request, p *platform.Platform) (map[string]any, error) {
	resp, err := u.http.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "object store unreachable").
			WithPlatform(p.Key).
			WithRetryable(true).
			WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "reading store response").
			WithPlatform(p.Key).
			WithRetryable(true).
			WithCause(err)
	}
	if resp.StatusCode >= 500 {
		return nil, types.Errorf(types.ErrUpstreamError, "store returned HTTP %d", resp.StatusCode).
			WithPlatform(p.Key).
			WithRetryable(true)
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, types.Errorf(types.ErrUploadFailed, "store returned a non-JSON body (HTTP %d)", resp.StatusCode).
			WithPlatform(p.Key).
			WithCause(err)
	}
	return m, nil
}

func (u *Uploader) transportPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 4,
		Backoff:     u.backoff,
		RetryIf:     types.IsRetryable,
	}
}
