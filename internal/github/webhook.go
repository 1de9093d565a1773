package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Labels that opt an issue into the plan+build workflow
var triggerLabels = []string{"adw", "agentic"}

// TriggerComment is the comment body that requests a plan+build run
const TriggerComment = "adw"

var (
	// ErrInvalidSignature is returned when the payload HMAC does not match
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload is returned for deliveries that cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// IssueEvent is a webhook delivery reduced to what decides a trigger
type IssueEvent struct {
	Event       string // X-GitHub-Event header
	DeliveryID  string
	Action      string
	IssueNumber int
	Title       string
	Labels      []string
	Label       string // label added by a "labeled" action
	CommentBody string
}

// ParseIssueEvent validates and decodes a webhook delivery. An empty secret
// disables signature checking. Events other than issues and issue comments
// come back with only Event and DeliveryID set.
func ParseIssueEvent(r *http.Request, secret string) (*IssueEvent, error) {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	} else {
		// A signature is only checked against a configured secret
		r.Header.Del("X-Hub-Signature-256")
		r.Header.Del("X-Hub-Signature")
	}
	payload, err := gh.ValidatePayload(r, key)
	if err != nil {
		if msg := err.Error(); strings.Contains(msg, "signature") || strings.Contains(msg, "hash type") {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	ev := &IssueEvent{
		Event:      gh.WebHookType(r),
		DeliveryID: gh.DeliveryID(r),
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("%w: missing X-GitHub-Event header", ErrInvalidPayload)
	}

	parsed, err := gh.ParseWebHook(ev.Event, payload)
	if err != nil {
		// Unknown event types are not an error, they are just not ours
		if strings.Contains(err.Error(), "unknown X-Github-Event") {
			return ev, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	switch e := parsed.(type) {
	case *gh.IssuesEvent:
		ev.Action = e.GetAction()
		fillIssue(ev, e.GetIssue())
		ev.Label = e.GetLabel().GetName()
	case *gh.IssueCommentEvent:
		if e.GetIssue().IsPullRequest() {
			return &IssueEvent{Event: ev.Event, DeliveryID: ev.DeliveryID}, nil
		}
		ev.Action = e.GetAction()
		fillIssue(ev, e.GetIssue())
		ev.CommentBody = e.GetComment().GetBody()
	}
	return ev, nil
}

func fillIssue(ev *IssueEvent, issue *gh.Issue) {
	ev.IssueNumber = issue.GetNumber()
	ev.Title = issue.GetTitle()
	for _, l := range issue.Labels {
		ev.Labels = append(ev.Labels, l.GetName())
	}
}

// WorkflowType decides which workflow the event triggers. When ok is false,
// reason says why the event is ignored.
func (e *IssueEvent) WorkflowType() (wt domain.WorkflowType, reason string, ok bool) {
	switch e.Event {
	case "issues":
		switch e.Action {
		case "opened":
			return domain.WorkflowPlanBuildTest, "", true
		case "labeled", "synchronize":
			if hasTriggerLabel(append([]string{e.Label}, e.Labels...)) {
				return domain.WorkflowPlanBuild, "", true
			}
			return "", "Issue does not carry an adw label", false
		default:
			return "", fmt.Sprintf("Action '%s' does not trigger a workflow", e.Action), false
		}
	case "issue_comment":
		if e.Action == "created" && strings.TrimSpace(e.CommentBody) == TriggerComment {
			return domain.WorkflowPlanBuild, "", true
		}
		return "", "Comment is not an adw command", false
	default:
		return "", fmt.Sprintf("Event type '%s' is not handled", e.Event), false
	}
}

func hasTriggerLabel(labels []string) bool {
	for _, l := range labels {
		for _, t := range triggerLabels {
			if strings.EqualFold(strings.TrimSpace(l), t) {
				return true
			}
		}
	}
	return false
}
