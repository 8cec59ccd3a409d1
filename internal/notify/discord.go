package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// Discord caps message content at 2000 characters; longer messages are
// truncated rather than rejected.
const discordContentLimit = 2000

// DiscordNotifier posts messages to a Discord channel webhook.
type DiscordNotifier struct {
	client     *http.Client
	logger     log.Logger
	webhookURL string
}

// DiscordOptions configures a DiscordNotifier.
type DiscordOptions struct {
	Logger log.Logger

	// WebhookURL is the full channel webhook endpoint.
	WebhookURL string

	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// NewDiscordNotifier creates a notifier for one channel webhook.
func NewDiscordNotifier(opts DiscordOptions) (*DiscordNotifier, error) {
	if opts.WebhookURL == "" {
		return nil, xerrors.New("WebhookURL is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		}
	}
	return &DiscordNotifier{
		client:     client,
		logger:     opts.Logger,
		webhookURL: opts.WebhookURL,
	}, nil
}

type discordPayload struct {
	Content string `json:"content"`
}

// Notify posts msg as plain webhook content.
func (n *DiscordNotifier) Notify(ctx context.Context, msg string) error {
	body, err := json.Marshal(discordPayload{Content: truncate(msg)})
	if err != nil {
		return xerrors.Wrap(err, "encode notification")
	}
	return n.post(ctx, "application/json", bytes.NewReader(body))
}

// NotifyFile posts msg with att uploaded as a file attachment.
func (n *DiscordNotifier) NotifyFile(ctx context.Context, msg string, att Attachment) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	payload, err := json.Marshal(discordPayload{Content: truncate(msg)})
	if err != nil {
		return xerrors.Wrap(err, "encode notification")
	}
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return xerrors.Wrap(err, "write payload field")
	}
	fw, err := mw.CreateFormFile("file", att.Filename)
	if err != nil {
		return xerrors.Wrap(err, "create attachment field")
	}
	if _, err := fw.Write(att.Content); err != nil {
		return xerrors.Wrap(err, "write attachment")
	}
	if err := mw.Close(); err != nil {
		return xerrors.Wrap(err, "finalize multipart body")
	}

	return n.post(ctx, mw.FormDataContentType(), &buf)
}

func (n *DiscordNotifier) post(ctx context.Context, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, body)
	if err != nil {
		return xerrors.Wrap(err, "create webhook request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := n.client.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "post notification")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.Newf("post notification: unexpected status %s", resp.Status)
	}
	return nil
}

func truncate(msg string) string {
	if len(msg) <= discordContentLimit {
		return msg
	}
	return msg[:discordContentLimit]
}
