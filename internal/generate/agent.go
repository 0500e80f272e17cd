package generate

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/browser"
	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/internal/task"
	"github.com/daxiondi/seedance2.0/types"
)

// Agent run states as reported by the vendor's thread API.
const (
	agentStateCompleted = 2
	agentStateFailed    = 3
)

// Agent drives the agent-flow platform: resolve identity, submit a run,
// poll the thread, then walk artifact and asset detail to the final URL.
// Vendor-facing calls that trip anti-bot checks go through the browser
// pool; the artifact resolution hops use the direct signed client.
type Agent struct {
	pool   browserClient
	api    apiClient
	jobs   jobSink
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
	sleep  sleepFunc
}

// AgentOption configures an Agent orchestrator.
type AgentOption func(*Agent)

// WithAgentClock injects the wall clock and sleeper (used by tests).
func WithAgentClock(now func() time.Time, sleep sleepFunc) AgentOption {
	return func(a *Agent) {
		a.now = now
		a.sleep = sleep
	}
}

// NewAgent creates the agent-flow orchestrator.
func NewAgent(pool browserClient, api apiClient, jobs jobSink, cfg Config, logger *zap.Logger, opts ...AgentOption) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		pool:   pool,
		api:    api,
		jobs:   jobs,
		logger: logger.With(zap.String("component", "agent_orchestrator")),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes one job to its terminal state. It is the job's only writer
// and always leaves the job terminal.
func (a *Agent) Run(ctx context.Context, req Request) {
	start := a.now()
	log := a.logger.With(
		zap.String("task_id", req.TaskID),
		zap.String("platform", req.Platform.Key),
		zap.String("model", req.Model),
	)

	result, err := a.run(ctx, req, start, log)
	if err != nil {
		log.Warn("job terminal with error", zap.Error(err))
		a.jobs.Fail(req.TaskID, failMessage(err))
		return
	}
	log.Info("job done", zap.String("url", result.VideoURL), zap.Duration("elapsed", a.now().Sub(start)))
	a.jobs.Complete(req.TaskID, *result)
}

func (a *Agent) run(ctx context.Context, req Request, start time.Time, log *zap.Logger) (*task.Result, error) {
	deadline := start.Add(a.cfg.WallClock)
	key := browser.Key{Platform: req.Platform, Credential: req.Credential}

	a.jobs.SetProgress(req.TaskID, "resolving account identity")
	userID, workspaceID, err := a.resolveIdentity(ctx, req, key)
	if err != nil {
		return nil, err
	}
	log.Debug("identity resolved", zap.String("user_id", userID), zap.String("workspace_id", workspaceID))

	a.jobs.SetProgress(req.TaskID, "submitting agent run")
	threadID, err := a.submitRun(ctx, req, key, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	log.Info("agent run submitted", zap.String("thread_id", threadID))

	artifactID, err := a.pollThread(ctx, req, key, threadID, start, deadline)
	if err != nil {
		return nil, err
	}

	a.jobs.SetProgress(req.TaskID, "resolving generated asset")
	return a.resolveArtifact(ctx, req, artifactID)
}

// fetch issues an in-page call with the single documented remediation: a
// security-check business code refreshes the session once and retries.
func (a *Agent) fetch(ctx context.Context, key browser.Key, url string, opt browser.FetchOptions) (map[string]any, error) {
	data, err := a.pool.Fetch(ctx, key, url, opt)
	if err != nil && types.GetErrorCode(err) == types.ErrSecurityCheck {
		a.logger.Info("security check reported, refreshing session")
		a.pool.Refresh(key)
		return a.pool.Fetch(ctx, key, url, opt)
	}
	return data, err
}

// resolveIdentity merges two best-effort lookups, first non-empty wins.
// Both failing leaves us unable to submit, which is fatal.
func (a *Agent) resolveIdentity(ctx context.Context, req Request, key browser.Key) (userID, workspaceID string, err error) {
	base := req.Platform.BaseURL

	if data, err := a.fetch(ctx, key, base+"/mweb/v1/get_user_info", browser.FetchOptions{}); err == nil {
		userID = platform.FirstString(data, "user.uid", "user_id", "uid")
		workspaceID = platform.FirstString(data, "workspace.id", "workspace_id")
	} else {
		a.logger.Debug("user info lookup failed", zap.Error(err))
	}

	if userID == "" || workspaceID == "" {
		if data, err := a.fetch(ctx, key, base+"/artist/v1/workspace/list", browser.FetchOptions{}); err == nil {
			if userID == "" {
				userID = platform.FirstString(data, "owner.uid", "user_id")
			}
			if workspaceID == "" {
				workspaceID = platform.FirstString(data, "workspace_list.0.id", "workspaces.0.id", "default_workspace_id")
			}
		} else {
			a.logger.Debug("workspace lookup failed", zap.Error(err))
		}
	}

	if userID == "" || workspaceID == "" {
		return "", "", types.Errorf(types.ErrAuthentication,
			"could not resolve the account identity; refresh the %s cookie", req.Platform.PrimaryCookie()).
			WithPlatform(req.Platform.Key).
			WithHTTPStatus(http.StatusUnauthorized)
	}
	return userID, workspaceID, nil
}

func (a *Agent) submitRun(ctx context.Context, req Request, key browser.Key, userID, workspaceID string) (string, error) {
	body := map[string]any{
		"user_id":      userID,
		"workspace_id": workspaceID,
		"model":        req.Model,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
		"video_config": map[string]any{
			"aspect_ratio": req.Ratio,
			"duration_ms":  req.Duration * 1000,
		},
	}
	data, err := a.fetch(ctx, key, req.Platform.BaseURL+"/agent/v1/run/submit", browser.FetchOptions{
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    mustJSON(body),
	})
	if err != nil {
		return "", err
	}

	threadID := platform.FirstString(data, "thread_id", "run.thread_id", "id")
	if threadID == "" {
		return "", types.NewError(types.ErrResultUnresolved, "run submission carried no thread id").WithPlatform(req.Platform.Key)
	}
	return threadID, nil
}

// pollThread loops on the run's numeric state until completed or failed,
// bounded by the wall clock, and returns the artifact id.
func (a *Agent) pollThread(ctx context.Context, req Request, key browser.Key, threadID string, start, deadline time.Time) (string, error) {
	p := req.Platform
	for {
		if !a.now().Before(deadline) {
			return "", timeoutError(a.now().Sub(start))
		}

		data, err := a.fetch(ctx, key, p.BaseURL+"/agent/v1/thread/get?thread_id="+threadID, browser.FetchOptions{})
		if err != nil {
			return "", err
		}

		state, _ := platform.FirstNumber(data, "run.state", "state")
		switch int(state) {
		case agentStateCompleted:
			artifactID := platform.FirstString(data,
				"run.results.0.artifact_id",
				"results.0.artifact_id",
				"run.artifact_id",
			)
			if artifactID == "" {
				return "", types.NewError(types.ErrResultUnresolved, "completed run carried no artifact id").WithPlatform(p.Key)
			}
			return artifactID, nil

		case agentStateFailed:
			reason := platform.FirstString(data, "run.fail_reason", "fail_reason", "message")
			if reason == "" {
				reason = "agent run failed"
			}
			return "", types.NewError(types.ErrBusinessRejected, reason).WithPlatform(p.Key)

		default:
			a.jobs.SetProgress(req.TaskID, progressLabel("agent run in progress", a.now().Sub(start)))
			if err := a.sleep(ctx, a.cfg.AgentPollInterval); err != nil {
				return "", err
			}
		}
	}
}

// resolveArtifact walks artifact to asset detail to the playable URL.
// Each hop retries transport failures per the client's policy, but a
// missing field at any hop is terminal: once an artifact id is known
// there is no fallback result.
func (a *Agent) resolveArtifact(ctx context.Context, req Request, artifactID string) (*task.Result, error) {
	p := req.Platform

	artifact, err := a.api.Request(ctx, http.MethodGet, "/artist/v1/artifact/get", p, req.Credential.Token, platform.RequestOptions{
		Cookie: req.Credential.CookieHeader,
		Params: map[string]string{"artifact_id": artifactID},
	})
	if err != nil {
		return nil, err
	}
	assetID := platform.FirstString(artifact, "artifact.asset_id", "asset_id")
	if assetID == "" {
		return nil, types.NewError(types.ErrResultUnresolved, "artifact carried no asset id").WithPlatform(p.Key)
	}

	detail, err := a.api.Request(ctx, http.MethodGet, "/artist/v1/asset/detail", p, req.Credential.Token, platform.RequestOptions{
		Cookie: req.Credential.CookieHeader,
		Params: map[string]string{"asset_id": assetID},
	})
	if err != nil {
		return nil, err
	}
	url := platform.FirstString(detail,
		"asset.video.play_url",
		"asset.url",
		"video_url",
	)
	if url == "" {
		return nil, types.NewError(types.ErrResultUnresolved, "asset detail carried no playable URL").WithPlatform(p.Key)
	}

	revised := platform.FirstString(detail, "asset.revised_prompt", "revised_prompt")
	return &task.Result{VideoURL: url, RevisedPrompt: revised}, nil
}
