package scm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v66/github"

	"council/internal/domain"
	"council/internal/infra/config"
)

// GitHubProvider implements domain.SCMProvider against the GitHub REST
// API. It performs the gated publishing steps: branch, notes commit,
// pull request.
type GitHubProvider struct {
	client *github.Client
	owner  string
	logger *slog.Logger
}

// NewGitHubProvider creates a GitHub provider authenticated with a
// personal access token.
func NewGitHubProvider(cfg config.SCMConfig, logger *slog.Logger) *GitHubProvider {
	return &GitHubProvider{
		client: github.NewClient(nil).WithAuthToken(cfg.Token),
		owner:  cfg.Owner,
		logger: logger,
	}
}

// newGitHubProviderWithClient creates a provider with an injected client
// (for testing).
func newGitHubProviderWithClient(client *github.Client, owner string, logger *slog.Logger) *GitHubProvider {
	return &GitHubProvider{client: client, owner: owner, logger: logger}
}

// ListRepositories returns repositories visible to the configured owner.
func (p *GitHubProvider) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	opts := &github.RepositoryListByUserOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 50},
	}

	repos, _, err := p.client.Repositories.ListByUser(ctx, p.owner, opts)
	if err != nil {
		return nil, fmt.Errorf("list repositories for %s: %w", p.owner, err)
	}

	out := make([]domain.Repository, 0, len(repos))
	for _, r := range repos {
		out = append(out, domain.Repository{
			Owner:         r.GetOwner().GetLogin(),
			Name:          r.GetName(),
			FullName:      r.GetFullName(),
			Description:   r.GetDescription(),
			DefaultBranch: r.GetDefaultBranch(),
			Private:       r.GetPrivate(),
		})
	}
	return out, nil
}

// CreateBranch creates branch from fromRef. An empty fromRef resolves to
// the repository's default branch.
func (p *GitHubProvider) CreateBranch(ctx context.Context, repo, branch, fromRef string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	if fromRef == "" {
		r, _, err := p.client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return fmt.Errorf("get repository %s: %w", repo, err)
		}
		fromRef = r.GetDefaultBranch()
	}

	baseRef, _, err := p.client.Git.GetRef(ctx, owner, name, "refs/heads/"+fromRef)
	if err != nil {
		return fmt.Errorf("get ref %s on %s: %w", fromRef, repo, err)
	}

	_, _, err = p.client.Git.CreateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("create branch %s on %s: %w", branch, repo, err)
	}

	p.logger.Info("branch created", "repo", repo, "branch", branch, "from", fromRef)
	return nil
}

// CommitFile adds or updates one file on a branch.
func (p *GitHubProvider) CommitFile(ctx context.Context, in domain.CommitInput) error {
	owner, name, err := splitRepo(in.Repo)
	if err != nil {
		return err
	}

	_, _, err = p.client.Repositories.CreateFile(ctx, owner, name, in.Path,
		&github.RepositoryContentFileOptions{
			Message: github.String(in.Message),
			Content: in.Content,
			Branch:  github.String(in.Branch),
		})
	if err != nil {
		return fmt.Errorf("commit %s on %s@%s: %w", in.Path, in.Repo, in.Branch, err)
	}

	p.logger.Info("file committed", "repo", in.Repo, "branch", in.Branch, "path", in.Path)
	return nil
}

// CreatePullRequest opens a pull request from Head into Base.
func (p *GitHubProvider) CreatePullRequest(ctx context.Context, in domain.PullRequestInput) (*domain.PullRequest, error) {
	owner, name, err := splitRepo(in.Repo)
	if err != nil {
		return nil, err
	}

	pr, _, err := p.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(in.Title),
		Body:  github.String(in.Body),
		Head:  github.String(in.Head),
		Base:  github.String(in.Base),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request on %s: %w", in.Repo, err)
	}

	p.logger.Info("pull request created",
		"repo", in.Repo, "number", pr.GetNumber(), "url", pr.GetHTMLURL())

	return &domain.PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
	}, nil
}

// splitRepo parses an "owner/name" reference.
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.NewDomainError("SCM", domain.ErrInvalidInput,
			fmt.Sprintf("repository %q is not owner/name", repo))
	}
	return parts[0], parts[1], nil
}

var _ domain.SCMProvider = (*GitHubProvider)(nil)
