package httpserver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/artifact"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/deployhttp"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/httpserver"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/notify"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/unity"
)

// recordingAPI serves canned build details for the success path.
type recordingAPI struct{}

func (recordingAPI) GetBuild(ctx context.Context, apiSelf string) (*unity.BuildDetails, error) {
	d := &unity.BuildDetails{ScmBranch: "master", Platform: "standalonewindows64"}
	d.Links.DownloadPrimary = &unity.Link{Href: "https://cdn.example.com/build.zip"}
	return d, nil
}

func (recordingAPI) GetBuildLog(ctx context.Context, apiSelf string) (string, error) {
	return "log", nil
}

func (recordingAPI) CreateShareLink(ctx context.Context, apiSelf string) (string, error) {
	return "https://developer.cloud.unity3d.com/share/abc/", nil
}

type recordingDeployer struct {
	events []artifact.DeployEvent
}

func (d *recordingDeployer) Deploy(ctx context.Context, ev artifact.DeployEvent, downloadURL string) error {
	d.events = append(d.events, ev)
	return nil
}

type recordingNotifier struct {
	msgs []string
}

func (n *recordingNotifier) Notify(ctx context.Context, msg string) error {
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) NotifyFile(ctx context.Context, msg string, att notify.Attachment) error {
	n.msgs = append(n.msgs, msg)
	return nil
}

// TestIntegration_FullStack wires httpserver.NewHandler with the real
// trigger routes and a real webhook dispatcher backed by stub API,
// deployer, and notifier, then verifies the request lifecycle through
// every middleware layer.
func TestIntegration_FullStack(t *testing.T) {
	t.Parallel()

	deployer := &recordingDeployer{}
	sink := &recordingNotifier{}

	dispatcher := unity.NewDispatcher(unity.DispatcherOptions{
		Logger:   log.Nop(),
		API:      recordingAPI{},
		Deployer: deployer,
		Notifier: sink,
	})

	routes, err := deployhttp.New(deployhttp.Options{
		Logger:     log.Nop(),
		Token:      "secret",
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("deployhttp.New: %v", err)
	}

	handler := httpserver.NewHandler(httpserver.Options{
		Logger:    log.Nop(),
		APIRoutes: routes.RegisterRoutes,
	})

	const payload = `{
		"projectName": "Demo",
		"buildNumber": 7,
		"buildTargetName": "Win64",
		"links": {"api_self": {"href": "/builds/7"}}
	}`

	t.Run("webhook deploy succeeds with security headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/deploy/unity/fantasy-crescendo?token=secret",
			strings.NewReader(payload))
		req.Header.Set(unity.EventHeader, "ProjectBuildSuccess")
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		body, _ := io.ReadAll(rec.Body)
		if !strings.Contains(string(body), "OK") {
			t.Fatalf("body = %q, want 'OK'", body)
		}

		if len(deployer.events) != 1 {
			t.Fatalf("deploys = %d, want 1", len(deployer.events))
		}
		ev := deployer.events[0]
		if ev.Project != "fantasy-crescendo" || ev.Branch != "master" {
			t.Fatalf("deploy event = %+v", ev)
		}

		securityHeaders := []string{
			"Strict-Transport-Security",
			"Content-Security-Policy",
			"X-Content-Type-Options",
			"X-Frame-Options",
			"Referrer-Policy",
			"Cross-Origin-Embedder-Policy",
			"Cross-Origin-Opener-Policy",
			"Cross-Origin-Resource-Policy",
		}
		for _, hdr := range securityHeaders {
			if rec.Header().Get(hdr) == "" {
				t.Errorf("missing security header: %s", hdr)
			}
		}

		if got := rec.Header().Get("X-Request-Id"); got == "" {
			t.Error("X-Request-Id not set")
		}
	})

	t.Run("wrong token rejected before dispatch", func(t *testing.T) {
		before := len(deployer.events)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/deploy/unity/fantasy-crescendo?token=wrong",
			strings.NewReader(payload))
		req.Header.Set(unity.EventHeader, "ProjectBuildSuccess")
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if len(deployer.events) != before {
			t.Fatal("deploy triggered despite invalid token")
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 400 response")
		}
	})

	t.Run("returns 404 for missing path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/does-not-exist", http.NoBody)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		// Security headers must be present even on 404
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 404 response")
		}
	})

	t.Run("GET on trigger route rejected with 405", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/deploy/unity/fantasy-crescendo?token=secret", http.NoBody)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 405 response")
		}
	})
}
