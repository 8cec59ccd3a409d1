package unity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientOptions{AuthToken: "apikey", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetBuild(t *testing.T) {
	var gotPath, gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{
			"scmBranch": "master",
			"platform": "standalonelinux64",
			"links": {"download_primary": {"href": "https://cdn.example.com/build.zip"}}
		}`))
	})

	details, err := c.GetBuild(context.Background(), "/builds/7")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/builds/7" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Basic apikey" {
		t.Fatalf("auth = %s", gotAuth)
	}
	if details.ScmBranch != "master" || details.Platform != "standalonelinux64" {
		t.Fatalf("details = %+v", details)
	}
	if details.Links.DownloadPrimary.Href != "https://cdn.example.com/build.zip" {
		t.Fatalf("download link = %+v", details.Links.DownloadPrimary)
	}
}

func TestGetBuildLog(t *testing.T) {
	var gotPath string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("compile error on line 3"))
	})

	logText, err := c.GetBuildLog(context.Background(), "/builds/7")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/builds/7/log" {
		t.Fatalf("path = %s", gotPath)
	}
	if logText != "compile error on line 3" {
		t.Fatalf("log = %q", logText)
	}
}

func TestCreateShareLink(t *testing.T) {
	var gotMethod, gotPath string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"shareid": "abc123"}`))
	})

	link, err := c.CreateShareLink(context.Background(), "/builds/7")
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost || gotPath != "/builds/7/share" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if link != "https://developer.cloud.unity3d.com/share/abc123/" {
		t.Fatalf("link = %s", link)
	}
}

func TestClientErrorStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	if _, err := c.GetBuild(context.Background(), "/builds/7"); err == nil {
		t.Fatal("expected error for 401 response")
	}
	if _, err := c.GetBuildLog(context.Background(), "/builds/7"); err == nil {
		t.Fatal("expected error for 401 response")
	}
	if _, err := c.CreateShareLink(context.Background(), "/builds/7"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}
