package unity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/artifact"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/notify"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// BuildAPI is the subset of the Cloud Build API the dispatcher needs.
// Extracted as an interface to enable unit testing without the live
// service.
type BuildAPI interface {
	GetBuild(ctx context.Context, apiSelf string) (*BuildDetails, error)
	GetBuildLog(ctx context.Context, apiSelf string) (string, error)
	CreateShareLink(ctx context.Context, apiSelf string) (string, error)
}

// Deployer runs the artifact pipeline for one resolved build.
// Implemented by the deployhttp layer, which binds project config to
// the pipeline.
type Deployer interface {
	Deploy(ctx context.Context, ev artifact.DeployEvent, downloadURL string) error
}

// DispatcherMetrics receives dispatch observability signals.
type DispatcherMetrics interface {
	IncWebhookEvent(kind string)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Logger   log.Logger
	API      BuildAPI
	Deployer Deployer
	Notifier notify.Notifier
	Metrics  DispatcherMetrics
}

// Dispatcher routes Cloud Build webhook events to notification and
// deployment actions. Every handler failure is absorbed here: the
// webhook caller always sees success, with the real outcome reported
// only through the notification channel.
type Dispatcher struct {
	logger   log.Logger
	api      BuildAPI
	deployer Deployer
	notifier notify.Notifier
	metrics  DispatcherMetrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		logger:   logger,
		api:      opts.API,
		deployer: opts.Deployer,
		notifier: notifier,
		metrics:  opts.Metrics,
	}
}

// Dispatch handles one webhook event for target. rawKind is the value
// of the event header; body is the request payload. Dispatch never
// fails: errors are logged and turned into a generic failure
// notification.
func (d *Dispatcher) Dispatch(ctx context.Context, target, rawKind string, body []byte) {
	kind := ParseEventKind(rawKind)
	if d.metrics != nil {
		d.metrics.IncWebhookEvent(string(kind))
	}

	L := d.logger.With("target", target, "event_kind", rawKind)
	L.Info(ctx, "dispatching build event")

	if err := d.handle(ctx, L, target, kind, rawKind, body); err != nil {
		L.Error(ctx, err, "build event handler failed")
		d.notify(ctx, L, fmt.Sprintf("An error occurred while handling the build webhook for `%s`.", target))
	}
}

func (d *Dispatcher) handle(ctx context.Context, L log.Logger, target string, kind EventKind, rawKind string, body []byte) error {
	switch kind {
	case EventQueued, EventStarted, EventRestarted, EventCanceled:
		payload, err := parsePayload(body)
		if err != nil {
			return err
		}
		d.notify(ctx, L, fmt.Sprintf("`%s` build #%d for `%s` %s.",
			payload.ProjectName, payload.BuildNumber, payload.BuildTargetName, kind.statusVerb()))
		return nil

	case EventSuccess:
		payload, err := parsePayload(body)
		if err != nil {
			return err
		}
		return d.handleSuccess(ctx, L, target, payload)

	case EventFailure:
		payload, err := parsePayload(body)
		if err != nil {
			return err
		}
		return d.handleFailure(ctx, payload)

	default:
		// future event kinds: forward the raw payload rather than drop it
		d.notify(ctx, L, fmt.Sprintf("%s\n```json\n%s\n```", rawKind, body))
		return nil
	}
}

// handleSuccess resolves the finished build to a concrete download and
// runs the artifact pipeline for it, wrapped in a pair of progress
// notifications.
func (d *Dispatcher) handleSuccess(ctx context.Context, L log.Logger, target string, payload *WebhookPayload) error {
	if payload.Links.APISelf == nil || payload.Links.APISelf.Href == "" {
		return xerrors.New("success payload has no api_self link")
	}
	apiSelf := payload.Links.APISelf.Href

	shareLink, err := d.shareLink(ctx, payload, apiSelf)
	if err != nil {
		return err
	}

	details, err := d.api.GetBuild(ctx, apiSelf)
	if err != nil {
		return xerrors.Wrap(err, "fetch build details")
	}
	if details.Links.DownloadPrimary == nil || details.Links.DownloadPrimary.Href == "" {
		return xerrors.New("build record has no primary download link")
	}

	ev := artifact.DeployEvent{
		Project:  target,
		Branch:   details.ScmBranch,
		Platform: artifact.NormalizePlatform(details.Platform),
	}

	d.notify(ctx, L, fmt.Sprintf("`%s` build #%d for `%s` finished. Deploying...\n%s",
		payload.ProjectName, payload.BuildNumber, payload.BuildTargetName, shareLink))

	if err := d.deployer.Deploy(ctx, ev, details.Links.DownloadPrimary.Href); err != nil {
		return xerrors.Wrap(err, "deploy")
	}

	d.notify(ctx, L, fmt.Sprintf("Deployed `%s` build #%d for `%s`.",
		payload.ProjectName, payload.BuildNumber, payload.BuildTargetName))
	return nil
}

// handleFailure forwards the build log as an attachment. Nothing is
// deployed for a failed build.
func (d *Dispatcher) handleFailure(ctx context.Context, payload *WebhookPayload) error {
	if payload.Links.APISelf == nil || payload.Links.APISelf.Href == "" {
		return xerrors.New("failure payload has no api_self link")
	}

	buildLog, err := d.api.GetBuildLog(ctx, payload.Links.APISelf.Href)
	if err != nil {
		return xerrors.Wrap(err, "fetch build log")
	}

	msg := fmt.Sprintf("`%s` build #%d for `%s` failed.",
		payload.ProjectName, payload.BuildNumber, payload.BuildTargetName)
	if err := d.notifier.NotifyFile(ctx, msg, notify.Attachment{
		Filename: "build.log",
		Content:  []byte(buildLog),
	}); err != nil {
		d.logger.Warn(ctx, "failed to send build log notification", "error", err)
	}
	return nil
}

// shareLink prefers the share URL the payload already carries and
// falls back to minting one through the API.
func (d *Dispatcher) shareLink(ctx context.Context, payload *WebhookPayload, apiSelf string) (string, error) {
	if payload.Links.ShareURL != nil && payload.Links.ShareURL.Href != "" {
		return payload.Links.ShareURL.Href, nil
	}
	link, err := d.api.CreateShareLink(ctx, apiSelf)
	if err != nil {
		return "", xerrors.Wrap(err, "create share link")
	}
	return link, nil
}

// notify is the best-effort send: a dead notification channel is
// logged, never escalated.
func (d *Dispatcher) notify(ctx context.Context, L log.Logger, msg string) {
	if err := d.notifier.Notify(ctx, msg); err != nil {
		L.Warn(ctx, "failed to send notification", "error", err)
	}
}

func parsePayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, xerrors.Wrap(err, "decode webhook payload")
	}
	return &payload, nil
}
