package generate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/internal/task"
	"github.com/daxiondi/seedance2.0/internal/upload"
	"github.com/daxiondi/seedance2.0/types"
)

// Direct drives the direct-model flow: upload references, submit a draft,
// poll the history record, resolve the final URL.
type Direct struct {
	api      apiClient
	uploader imageUploader
	jobs     jobSink
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	sleep    sleepFunc
}

// DirectOption configures a Direct orchestrator.
type DirectOption func(*Direct)

// WithDirectClock injects the wall clock and sleeper (used by tests).
func WithDirectClock(now func() time.Time, sleep sleepFunc) DirectOption {
	return func(d *Direct) {
		d.now = now
		d.sleep = sleep
	}
}

// NewDirect creates the direct-model orchestrator.
func NewDirect(api apiClient, uploader imageUploader, jobs jobSink, cfg Config, logger *zap.Logger, opts ...DirectOption) *Direct {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Direct{
		api:      api,
		uploader: uploader,
		jobs:     jobs,
		logger:   logger.With(zap.String("component", "direct_orchestrator")),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one job to its terminal state. It is the job's only writer
// and always leaves the job terminal.
func (d *Direct) Run(ctx context.Context, req Request) {
	start := d.now()
	log := d.logger.With(
		zap.String("task_id", req.TaskID),
		zap.String("platform", req.Platform.Key),
		zap.String("model", req.Model),
	)

	result, err := d.run(ctx, req, start, log)
	if err != nil {
		log.Warn("job terminal with error", zap.Error(err))
		d.jobs.Fail(req.TaskID, failMessage(err))
		return
	}
	log.Info("job done", zap.String("url", result.VideoURL), zap.Duration("elapsed", d.now().Sub(start)))
	d.jobs.Complete(req.TaskID, *result)
}

func (d *Direct) run(ctx context.Context, req Request, start time.Time, log *zap.Logger) (*task.Result, error) {
	deadline := start.Add(d.cfg.WallClock)

	materials, err := d.uploadReferences(ctx, req)
	if err != nil {
		return nil, err
	}

	d.jobs.SetProgress(req.TaskID, "submitting generation")
	historyID, err := d.submit(ctx, req, materials)
	if err != nil {
		return nil, err
	}
	log.Info("generation submitted", zap.String("history_id", historyID))

	if err := d.sleep(ctx, d.cfg.WarmupDelay); err != nil {
		return nil, err
	}

	return d.poll(ctx, req, historyID, start, deadline)
}

func (d *Direct) uploadReferences(ctx context.Context, req Request) ([]*upload.Material, error) {
	materials := make([]*upload.Material, 0, len(req.Images))
	for i, img := range req.Images {
		d.jobs.SetProgress(req.TaskID, fmt.Sprintf("uploading reference image %d/%d", i+1, len(req.Images)))
		mat, err := d.uploader.Upload(ctx, req.Platform, req.Credential.Token, img)
		if err != nil {
			return nil, err
		}
		materials = append(materials, mat)
	}
	return materials, nil
}

// submit creates the generation draft and returns the history record id
// the poll loop tracks.
func (d *Direct) submit(ctx context.Context, req Request, materials []*upload.Material) (string, error) {
	abilities := map[string]any{
		"prompt":       req.Prompt,
		"model":        req.Model,
		"video_aspect": req.Ratio,
		"duration_ms":  req.Duration * 1000,
	}
	if len(materials) > 0 {
		images := make([]map[string]any, 0, len(materials))
		for _, m := range materials {
			images = append(images, map[string]any{
				"image_uri": m.URI,
				"width":     m.Width,
				"height":    m.Height,
			})
		}
		abilities["image_list"] = images
	}

	data, err := d.api.Request(ctx, http.MethodPost, "/mweb/v1/aigc_draft/generate", req.Platform, req.Credential.Token, platform.RequestOptions{
		Cookie: req.Credential.CookieHeader,
		Body: map[string]any{
			"submit_id": uuid.NewString(),
			"draft":     abilities,
		},
	})
	if err != nil {
		return "", err
	}

	historyID := platform.FirstString(data,
		"aigc_data.history_record_id",
		"history_record_id",
		"history_id",
	)
	if historyID == "" {
		return "", types.NewError(types.ErrResultUnresolved, "submission response carried no history record id").WithPlatform(req.Platform.Key)
	}
	return historyID, nil
}

func (d *Direct) poll(ctx context.Context, req Request, historyID string, start, deadline time.Time) (*task.Result, error) {
	interval := d.cfg.PollInterval

	for {
		if !d.now().Before(deadline) {
			return nil, timeoutError(d.now().Sub(start))
		}

		record, err := d.fetchRecord(ctx, req, historyID)
		if err != nil {
			return nil, err
		}

		switch platform.FirstString(record, "status") {
		case "queued", "running", "pending", "":
			d.jobs.SetProgress(req.TaskID, progressLabel("generating", d.now().Sub(start)))
			if err := d.sleep(ctx, interval); err != nil {
				return nil, err
			}
			interval += d.cfg.PollGrowth
			if interval > d.cfg.PollMaxInterval {
				interval = d.cfg.PollMaxInterval
			}

		case "failed":
			return nil, d.failedRecordError(req.Platform, record)

		case "succeeded":
			return d.resolveResult(ctx, req, historyID, record)

		default:
			// Unknown status keeps polling; the wall clock bounds it.
			if err := d.sleep(ctx, interval); err != nil {
				return nil, err
			}
		}
	}
}

func (d *Direct) fetchRecord(ctx context.Context, req Request, historyID string) (map[string]any, error) {
	data, err := d.api.Request(ctx, http.MethodPost, "/mweb/v1/get_history_by_ids", req.Platform, req.Credential.Token, platform.RequestOptions{
		Cookie: req.Credential.CookieHeader,
		Body:   map[string]any{"history_ids": []string{historyID}},
	})
	if err != nil {
		return nil, err
	}
	if rec, ok := platform.FirstMap(data, historyID); ok {
		return rec, nil
	}
	return data, nil
}

// failedRecordError maps the vendor fail code: the content-filter code
// becomes a policy error with the vendor's wording, anything else a
// generic rejection.
func (d *Direct) failedRecordError(p *platform.Platform, record map[string]any) error {
	reason := platform.FirstString(record, "fail_msg", "fail_reason", "message")
	if code, ok := platform.FirstNumber(record, "fail_code"); ok && int(code) == p.Codes.ContentFilter {
		if reason == "" {
			reason = "the prompt or reference images were rejected by the content policy"
		}
		return types.NewError(types.ErrContentFiltered, reason).WithPlatform(p.Key)
	}
	if reason == "" {
		reason = "generation failed"
	}
	return types.NewError(types.ErrBusinessRejected, reason).WithPlatform(p.Key)
}

// resolveResult upgrades to the HD asset when possible. The upgrade is
// best-effort: any failure falls back to the preview URL already present
// on the record.
func (d *Direct) resolveResult(ctx context.Context, req Request, historyID string, record map[string]any) (*task.Result, error) {
	preview := platform.FirstString(record,
		"video_url",
		"url",
		"item_list.0.video.transcoded_video.origin.video_url",
		"item_list.0.video.play_url",
	)
	revised := platform.FirstString(record, "revised_prompt", "prompt")

	url := d.resolveHD(ctx, req, historyID)
	if url == "" {
		url = preview
	}
	if url == "" {
		return nil, types.NewError(types.ErrResultUnresolved, "succeeded record carried no playable URL").WithPlatform(req.Platform.Key)
	}
	return &task.Result{VideoURL: url, RevisedPrompt: revised}, nil
}

func (d *Direct) resolveHD(ctx context.Context, req Request, historyID string) string {
	data, err := d.api.Request(ctx, http.MethodPost, "/mweb/v1/mget_item_info", req.Platform, req.Credential.Token, platform.RequestOptions{
		Cookie: req.Credential.CookieHeader,
		Body:   map[string]any{"history_record_id": historyID, "quality": "hd"},
	})
	if err != nil {
		d.logger.Debug("hd resolve failed, falling back to preview", zap.Error(err))
		return ""
	}
	return platform.FirstString(data,
		"item_list.0.video.transcoded_video.origin.video_url",
		"video_url",
	)
}
