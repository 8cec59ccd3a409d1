package unity

import (
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

const (
	apiBase       = "https://build-api.cloud.unity3d.com"
	shareBase     = "https://developer.cloud.unity3d.com/share"
	buildLogLimit = 8 << 20
)

// Client calls the Unity Cloud Build API.
type Client struct {
	client    *http.Client
	logger    log.Logger
	baseURL   string
	authToken string
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger log.Logger

	// AuthToken is the Cloud Build API key, sent as basic authorization.
	AuthToken string

	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string

	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// NewClient creates a Cloud Build API client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.AuthToken == "" {
		return nil, xerrors.New("AuthToken is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = apiBase
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	return &Client{
		client:    client,
		logger:    opts.Logger,
		baseURL:   baseURL,
		authToken: opts.AuthToken,
	}, nil
}

// GetBuild fetches the build record behind the payload's api_self link.
func (c *Client) GetBuild(ctx context.Context, apiSelf string) (*BuildDetails, error) {
	body, err := c.get(ctx, c.baseURL+apiSelf)
	if err != nil {
		return nil, err
	}
	var details BuildDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, xerrors.Wrapf(err, "decode build record %s", apiSelf)
	}
	return &details, nil
}

// GetBuildLog fetches the full text log of a build.
func (c *Client) GetBuildLog(ctx context.Context, apiSelf string) (string, error) {
	body, err := c.get(ctx, c.baseURL+apiSelf+"/log")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CreateShareLink asks the API to mint a public share page for a build
// and returns its URL. Used when the webhook payload carries no
// share_url of its own.
func (c *Client) CreateShareLink(ctx context.Context, apiSelf string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSelf+"/share", nil)
	if err != nil {
		return "", xerrors.Wrap(err, "create share request")
	}
	req.Header.Set("Authorization", "Basic "+c.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(err, "create share link")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", xerrors.Wrap(err, "read share response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", xerrors.Newf("create share link: unexpected status %s", resp.Status)
	}

	var parsed struct {
		ShareID string `json:"shareid"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", xerrors.Wrap(err, "decode share response")
	}
	if parsed.ShareID == "" {
		return "", xerrors.New("share response has no shareid")
	}
	return fmt.Sprintf("%s/%s/", shareBase, parsed.ShareID), nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Basic "+c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, buildLogLimit))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read response from %s", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.Newf("get %s: unexpected status %s", url, resp.Status)
	}
	return body, nil
}
