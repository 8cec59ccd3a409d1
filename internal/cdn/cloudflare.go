package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

// CloudflarePurger invalidates individual URLs through the Cloudflare
// zone purge API.
type CloudflarePurger struct {
	client  *http.Client
	logger  log.Logger
	baseURL string
	zone    string
	token   string
}

// CloudflareOptions configures a CloudflarePurger.
type CloudflareOptions struct {
	Logger log.Logger

	// Zone is the Cloudflare zone identifier fronting the serving root.
	Zone string

	// Token is an API token with cache purge permission on the zone.
	Token string

	// BaseURL overrides the Cloudflare API endpoint, used by tests.
	BaseURL string

	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// NewCloudflarePurger creates a purger for one Cloudflare zone.
func NewCloudflarePurger(opts CloudflareOptions) (*CloudflarePurger, error) {
	if opts.Zone == "" {
		return nil, xerrors.New("Zone is required")
	}
	if opts.Token == "" {
		return nil, xerrors.New("Token is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = cloudflareAPIBase
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
	return &CloudflarePurger{
		client:  client,
		logger:  opts.Logger,
		baseURL: baseURL,
		zone:    opts.Zone,
		token:   opts.Token,
	}, nil
}

type cloudflarePurgeRequest struct {
	Files []string `json:"files"`
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Purge evicts one URL from the zone's edge cache.
func (p *CloudflarePurger) Purge(ctx context.Context, url string) error {
	body, err := json.Marshal(cloudflarePurgeRequest{Files: []string{url}})
	if err != nil {
		return xerrors.Wrap(err, "encode purge request")
	}

	endpoint := fmt.Sprintf("%s/zones/%s/purge_cache", p.baseURL, p.zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(err, "create purge request")
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return xerrors.Wrapf(err, "purge %s", url)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return xerrors.Wrap(err, "read purge response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.Newf("purge %s: unexpected status %s", url, resp.Status)
	}

	var parsed cloudflareResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return xerrors.Wrapf(err, "decode purge response for %s", url)
	}
	if !parsed.Success {
		msg := "unknown error"
		if len(parsed.Errors) > 0 {
			msg = parsed.Errors[0].Message
		}
		return xerrors.Newf("purge %s rejected: %s", url, msg)
	}

	p.logger.Info(ctx, "purged cdn cache", "url", url, "zone", p.zone)
	return nil
}
