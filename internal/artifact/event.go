package artifact

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Platform identifies the build target platform of a deployed artifact set.
type Platform string

const (
	PlatformWindows Platform = "Windows"
	PlatformOSX     Platform = "OSX"
	PlatformLinux   Platform = "Linux"
)

// NormalizePlatform maps a CI provider's free-form platform string onto
// one of the three published platforms. Anything that is not recognizably
// OSX or Windows deploys as Linux.
func NormalizePlatform(raw string) Platform {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "osx") {
		return PlatformOSX
	}
	if strings.Contains(lower, "windows") {
		return PlatformWindows
	}
	return PlatformLinux
}

// DeployEvent identifies one deployment target. Immutable once
// constructed; one per inbound request.
type DeployEvent struct {
	Project  string
	Branch   string
	Platform Platform
}

// Source carries everything one pipeline run needs to fetch and publish
// an artifact set. Created only for a successful-build event; scoped to
// that run.
type Source struct {
	DeployEvent

	// DownloadURL is where the build archive is fetched from.
	DownloadURL string

	// URLFormat is the path template shared by the live directory and
	// the public URL, e.g. "{base_url}/{project}/{branch}/{platform}".
	URLFormat string

	// BaseURL is the public base the CDN serves from.
	BaseURL string

	// BaseDir is the root of the live serving tree on disk.
	BaseDir string
}

var templateVar = regexp.MustCompile(`\{(.*?)\}`)

// ExpandTemplate substitutes {name} placeholders in format from vars.
// Unknown placeholders are left intact.
func ExpandTemplate(format string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(format, func(m string) string {
		name := strings.Trim(m, "{}")
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

func (s Source) templateVars(base string) map[string]string {
	return map[string]string{
		"base_url": strings.TrimRight(base, "/"),
		"project":  s.Project,
		"branch":   s.Branch,
		"platform": string(s.Platform),
	}
}

// LiveDir returns the live serving directory for this source:
// the URL format expanded with base_url replaced by the base directory.
func (s Source) LiveDir() string {
	expanded := ExpandTemplate(s.URLFormat, s.templateVars(s.BaseDir))
	return filepath.Clean(filepath.FromSlash(expanded))
}

// ManifestURL returns the public URL of the published manifest, used
// for CDN cache purging.
func (s Source) ManifestURL() string {
	expanded := ExpandTemplate(s.URLFormat, s.templateVars(s.BaseURL))
	return strings.TrimRight(expanded, "/") + "/" + ManifestName
}
