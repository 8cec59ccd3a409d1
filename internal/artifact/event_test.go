package artifact

import (
	"path/filepath"
	"testing"
)

func TestNormalizePlatform(t *testing.T) {
	cases := []struct {
		in   string
		want Platform
	}{
		{"standaloneosxuniversal", PlatformOSX},
		{"OSX Intel 64-bit", PlatformOSX},
		{"standalonewindows64", PlatformWindows},
		{"Windows Desktop 64-bit", PlatformWindows},
		{"standalonelinux64", PlatformLinux},
		{"webgl", PlatformLinux}, // anything unrecognized deploys as Linux
		{"", PlatformLinux},
	}
	for _, tc := range cases {
		if got := NormalizePlatform(tc.in); got != tc.want {
			t.Errorf("NormalizePlatform(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestExpandTemplate(t *testing.T) {
	got := ExpandTemplate("{base_url}/{project}/{branch}/{platform}", map[string]string{
		"base_url": "https://patch.example.net",
		"project":  "fantasy-crescendo",
		"branch":   "master",
		"platform": "Linux",
	})
	want := "https://patch.example.net/fantasy-crescendo/master/Linux"
	if got != want {
		t.Fatalf("ExpandTemplate = %q, want %q", got, want)
	}
}

func TestExpandTemplateUnknownPlaceholderKept(t *testing.T) {
	got := ExpandTemplate("{base_url}/{mystery}", map[string]string{"base_url": "x"})
	if got != "x/{mystery}" {
		t.Fatalf("ExpandTemplate = %q, want unknown placeholder preserved", got)
	}
}

func testSource() Source {
	return Source{
		DeployEvent: DeployEvent{
			Project:  "fantasy-crescendo",
			Branch:   "master",
			Platform: PlatformLinux,
		},
		URLFormat: "{base_url}/{project}/{branch}/{platform}",
		BaseURL:   "https://patch.example.net",
		BaseDir:   "/var/www/patch/",
	}
}

func TestSourceLiveDir(t *testing.T) {
	src := testSource()
	want := filepath.Clean("/var/www/patch/fantasy-crescendo/master/Linux")
	if got := src.LiveDir(); got != want {
		t.Fatalf("LiveDir = %q, want %q", got, want)
	}
}

func TestSourceManifestURL(t *testing.T) {
	src := testSource()
	want := "https://patch.example.net/fantasy-crescendo/master/Linux/index.json"
	if got := src.ManifestURL(); got != want {
		t.Fatalf("ManifestURL = %q, want %q", got, want)
	}
}
