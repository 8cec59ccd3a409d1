// Package unity integrates with the Unity Cloud Build service: it
// classifies inbound build webhook events, talks to the build API for
// authoritative build details, and drives deployment and notification
// from build outcomes.
package unity

// EventHeader is the request header carrying the webhook event kind.
const EventHeader = "X-UnityCloudBuild-Event"

// EventKind classifies a Cloud Build webhook event.
type EventKind string

const (
	EventQueued    EventKind = "ProjectBuildQueued"
	EventStarted   EventKind = "ProjectBuildStarted"
	EventRestarted EventKind = "ProjectBuildRestarted"
	EventSuccess   EventKind = "ProjectBuildSuccess"
	EventFailure   EventKind = "ProjectBuildFailure"
	EventCanceled  EventKind = "ProjectBuildCanceled"

	// EventUnrecognized covers any kind this version does not know.
	// The provider adds kinds over time; they must never crash dispatch.
	EventUnrecognized EventKind = "unrecognized"
)

// ParseEventKind maps a raw header value onto a known kind, or
// EventUnrecognized for anything else.
func ParseEventKind(raw string) EventKind {
	switch EventKind(raw) {
	case EventQueued, EventStarted, EventRestarted, EventSuccess, EventFailure, EventCanceled:
		return EventKind(raw)
	}
	return EventUnrecognized
}

// statusVerb is the past-tense verb used in notify-only status messages.
func (k EventKind) statusVerb() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventStarted:
		return "started"
	case EventRestarted:
		return "restarted"
	case EventCanceled:
		return "canceled"
	}
	return ""
}

// Link is one hyperlink entry in a Cloud Build payload.
type Link struct {
	Href string `json:"href"`
}

// Links holds the hyperlinks a webhook payload may carry.
type Links struct {
	APISelf  *Link `json:"api_self"`
	ShareURL *Link `json:"share_url"`
}

// WebhookPayload is the body of a Cloud Build webhook event.
type WebhookPayload struct {
	ProjectName     string `json:"projectName"`
	BuildNumber     int64  `json:"buildNumber"`
	BuildTargetName string `json:"buildTargetName"`
	Links           Links  `json:"links"`
}

// BuildDetails is the authoritative build record fetched from the
// build API, carrying the fields the webhook payload omits.
type BuildDetails struct {
	ScmBranch string `json:"scmBranch"`
	Platform  string `json:"platform"`
	Links     struct {
		DownloadPrimary *Link `json:"download_primary"`
	} `json:"links"`
}
