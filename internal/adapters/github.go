package adapters

import (
	"context"
	"net/http"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

// GitHubAdapter exposes the GitHub API as a source-control server.
// Supported operations: rate_limits, get_repository, list_issues, get_file.
type GitHubAdapter struct {
	name    string
	client  *github.Client
	checker *health.GitHubChecker
}

// NewGitHubAdapter creates an adapter authenticated with cfg.Token. A
// non-empty baseURL points the client at a GitHub Enterprise server.
func NewGitHubAdapter(name, baseURL string, cfg config.GitHubConfig) (*GitHubAdapter, error) {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, errors.Wrap(errors.KindConfigurationMismatch, err, "invalid github url", map[string]interface{}{"service": name})
		}
	}
	return NewGitHubAdapterFromClient(name, client, cfg.MinRemaining), nil
}

// NewGitHubAdapterFromClient wraps an existing client
func NewGitHubAdapterFromClient(name string, client *github.Client, minRemaining int) *GitHubAdapter {
	return &GitHubAdapter{
		name:    name,
		client:  client,
		checker: health.NewGitHubChecker(client, name, minRemaining),
	}
}

func (a *GitHubAdapter) Name() string { return a.name }

func (a *GitHubAdapter) Check(ctx context.Context) *health.Check {
	return a.checker.Check(ctx)
}

// Connect requires the API to answer and the rate limit not to be exhausted
func (a *GitHubAdapter) Connect(ctx context.Context) (connection.Client, error) {
	check := a.checker.Check(ctx)
	if check.Status == health.StatusUnhealthy {
		return nil, errors.NewConnectionFailed(a.name, check.Reason())
	}
	return &session{call: a.call}, nil
}

func (a *GitHubAdapter) call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	if operation == "rate_limits" {
		limits, _, err := a.client.RateLimits(ctx)
		if err != nil {
			return nil, err
		}
		return limits.GetCore(), nil
	}

	owner, err := stringParam(params, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := stringParam(params, "repo")
	if err != nil {
		return nil, err
	}

	switch operation {
	case "get_repository":
		r, _, err := a.client.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"full_name":      r.GetFullName(),
			"default_branch": r.GetDefaultBranch(),
			"private":        r.GetPrivate(),
			"open_issues":    r.GetOpenIssuesCount(),
			"html_url":       r.GetHTMLURL(),
		}, nil

	case "list_issues":
		state, _ := params["state"].(string)
		if state == "" {
			state = "open"
		}
		issues, _, err := a.client.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
			State:       state,
			ListOptions: github.ListOptions{PerPage: 50},
		})
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(issues))
		for _, issue := range issues {
			out = append(out, map[string]interface{}{
				"number": issue.GetNumber(),
				"title":  issue.GetTitle(),
				"state":  issue.GetState(),
			})
		}
		return out, nil

	case "get_file":
		path, err := stringParam(params, "path")
		if err != nil {
			return nil, err
		}
		ref, _ := params["ref"].(string)
		file, _, _, err := a.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return nil, err
		}
		if file == nil {
			return nil, errors.NewValidationFailed(path + " is a directory")
		}
		content, err := file.GetContent()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": file.GetPath(), "sha": file.GetSHA(), "content": content}, nil
	}
	return nil, unsupported(a.name, operation)
}

// Close is a no-op; the HTTP client has no resources to release
func (a *GitHubAdapter) Close() error { return nil }
