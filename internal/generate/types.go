// Package generate runs the long-lived job state machines that compose
// uploads, signed API calls and browser sessions into "submit, poll until
// terminal, resolve the final media URL".
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/daxiondi/seedance2.0/internal/auth"
	"github.com/daxiondi/seedance2.0/internal/browser"
	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/internal/task"
	"github.com/daxiondi/seedance2.0/internal/upload"
	"github.com/daxiondi/seedance2.0/types"
)

// Request is one accepted generation job.
type Request struct {
	TaskID     string
	Platform   *platform.Platform
	Credential auth.Credential
	Model      string
	Prompt     string
	Ratio      string
	Duration   int // seconds of video
	Images     [][]byte
}

// Config tunes the orchestrator clocks.
type Config struct {
	// WallClock bounds a whole job regardless of vendor status.
	WallClock time.Duration
	// WarmupDelay is waited after submission before the first poll.
	WarmupDelay time.Duration
	// PollInterval is the first direct-flow poll gap; it grows by
	// PollGrowth per poll up to PollMaxInterval.
	PollInterval    time.Duration
	PollGrowth      time.Duration
	PollMaxInterval time.Duration
	// AgentPollInterval is the fixed agent-flow thread poll gap.
	AgentPollInterval time.Duration
}

// DefaultConfig returns production orchestrator timings.
func DefaultConfig() Config {
	return Config{
		WallClock:         45 * time.Minute,
		WarmupDelay:       5 * time.Second,
		PollInterval:      3 * time.Second,
		PollGrowth:        2 * time.Second,
		PollMaxInterval:   10 * time.Second,
		AgentPollInterval: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WallClock <= 0 {
		c.WallClock = d.WallClock
	}
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = d.WarmupDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollGrowth <= 0 {
		c.PollGrowth = d.PollGrowth
	}
	if c.PollMaxInterval <= 0 {
		c.PollMaxInterval = d.PollMaxInterval
	}
	if c.AgentPollInterval <= 0 {
		c.AgentPollInterval = d.AgentPollInterval
	}
	return c
}

// apiClient is the direct signed HTTP client surface.
type apiClient interface {
	Request(ctx context.Context, method, path string, p *platform.Platform, token string, opts platform.RequestOptions) (map[string]any, error)
}

// browserClient is the authenticated in-page fetch surface.
type browserClient interface {
	Fetch(ctx context.Context, key browser.Key, url string, opt browser.FetchOptions) (map[string]any, error)
	Refresh(key browser.Key)
}

// imageUploader stages reference images.
type imageUploader interface {
	Upload(ctx context.Context, p *platform.Platform, token string, data []byte) (*upload.Material, error)
}

// jobSink is the registry surface an orchestrator writes to. Exactly one
// orchestrator writes to a given job.
type jobSink interface {
	SetProgress(id, progress string)
	Complete(id string, result task.Result)
	Fail(id, message string)
}

// sleepFunc blocks for d or until ctx is done. Injectable so tests run on
// a synthetic clock.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func timeoutError(elapsed time.Duration) error {
	return types.Errorf(types.ErrTimeout, "generation did not finish within the time limit (waited %s)", elapsed.Round(time.Second))
}

func failMessage(err error) string {
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}

func progressLabel(state string, elapsed time.Duration) string {
	return fmt.Sprintf("%s (%s elapsed)", state, elapsed.Round(time.Second))
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
