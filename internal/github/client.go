// Package github talks to the repository the workflows operate on: it posts
// issue comments, opens pull requests, lists trigger candidates and parses
// webhook deliveries.
package github

import (
	"context"
	"fmt"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
)

// Collaborator is what the coordinator needs from GitHub. Failures are best
// effort for callers: they are logged, never fatal to a run.
type Collaborator interface {
	PostComment(ctx context.Context, issue int, text string) error
	CreateOrUpdatePR(ctx context.Context, branch, title, body string) (string, error)
}

// IssueLister lists open issues carrying a label
type IssueLister interface {
	ListLabeledIssues(ctx context.Context, label string) ([]Issue, error)
}

// Issue is the subset of a GitHub issue the poller looks at
type Issue struct {
	Number int
	Title  string
	Labels []string
}

// Client implements Collaborator and IssueLister over the GitHub REST API
type Client struct {
	gh         *gh.Client
	owner      string
	repo       string
	baseBranch string
	retry      RetryConfig
	log        *zap.Logger
}

// NewClient creates an authenticated client for the configured repository
func NewClient(ctx context.Context, cfg config.GitHubConfig, log *zap.Logger) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("github token is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = 30 * time.Second

	return NewClientWith(gh.NewClient(tc), cfg.Owner, cfg.Repo, cfg.BaseBranch, log), nil
}

// NewClientWith wraps an existing go-github client
func NewClientWith(client *gh.Client, owner, repo, baseBranch string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Client{
		gh:         client,
		owner:      owner,
		repo:       repo,
		baseBranch: baseBranch,
		retry:      DefaultRetryConfig(),
		log:        log.With(zap.String("repo", owner+"/"+repo)),
	}
}

// SetRetryConfig replaces the retry behaviour for API calls
func (c *Client) SetRetryConfig(cfg RetryConfig) {
	c.retry = cfg
}

// PostComment adds a comment to an issue
func (c *Client) PostComment(ctx context.Context, issue int, text string) error {
	err := c.retry.do(ctx, c.log, "create comment", func() (*gh.Response, error) {
		_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, issue, &gh.IssueComment{Body: gh.String(text)})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("commenting on #%d: %w", issue, err)
	}
	return nil
}

// CreateOrUpdatePR edits the open pull request for branch, or opens one
// against the base branch. It returns the pull request URL.
func (c *Client) CreateOrUpdatePR(ctx context.Context, branch, title, body string) (string, error) {
	var open []*gh.PullRequest
	err := c.retry.do(ctx, c.log, "list pull requests", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		open, resp, err = c.gh.PullRequests.List(ctx, c.owner, c.repo, &gh.PullRequestListOptions{
			State: "open",
			Head:  c.owner + ":" + branch,
		})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("looking up pull request for %s: %w", branch, err)
	}

	if len(open) > 0 {
		pr := open[0]
		err = c.retry.do(ctx, c.log, "edit pull request", func() (*gh.Response, error) {
			_, resp, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, pr.GetNumber(), &gh.PullRequest{
				Title: gh.String(title),
				Body:  gh.String(body),
			})
			return resp, err
		})
		if err != nil {
			return "", fmt.Errorf("updating pull request #%d: %w", pr.GetNumber(), err)
		}
		return pr.GetHTMLURL(), nil
	}

	var created *gh.PullRequest
	err = c.retry.do(ctx, c.log, "create pull request", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		created, resp, err = c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
			Title: gh.String(title),
			Head:  gh.String(branch),
			Base:  gh.String(c.baseBranch),
			Body:  gh.String(body),
		})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("creating pull request for %s: %w", branch, err)
	}
	return created.GetHTMLURL(), nil
}

// ListLabeledIssues returns the open issues (not pull requests) with label
func (c *Client) ListLabeledIssues(ctx context.Context, label string) ([]Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var issues []Issue
	for {
		var page []*gh.Issue
		var next int
		err := c.retry.do(ctx, c.log, "list issues", func() (*gh.Response, error) {
			var resp *gh.Response
			var err error
			page, resp, err = c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing issues labeled %q: %w", label, err)
		}

		for _, is := range page {
			if is.IsPullRequest() {
				continue
			}
			labels := make([]string, 0, len(is.Labels))
			for _, l := range is.Labels {
				labels = append(labels, l.GetName())
			}
			issues = append(issues, Issue{Number: is.GetNumber(), Title: is.GetTitle(), Labels: labels})
		}

		if next == 0 {
			return issues, nil
		}
		opts.Page = next
	}
}

// Noop is used when no token is configured
type Noop struct{}

func (Noop) PostComment(context.Context, int, string) error { return nil }

func (Noop) CreateOrUpdatePR(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (Noop) ListLabeledIssues(context.Context, string) ([]Issue, error) { return nil, nil }

// IsNoCommits reports whether GitHub refused a pull request because the
// branch has no commits ahead of the base
func IsNoCommits(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No commits between")
}
