package domain

import "context"

// Repository describes one source-control repository.
type Repository struct {
	Owner         string
	Name          string
	FullName      string // "owner/name"
	Description   string
	DefaultBranch string
	Private       bool
}

// CommitInput adds or updates a single file on a branch.
type CommitInput struct {
	Repo    string // "owner/name"
	Branch  string
	Path    string
	Message string
	Content []byte
}

// PullRequestInput opens a pull request from Head into Base.
type PullRequestInput struct {
	Repo  string // "owner/name"
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequest is the created pull request.
type PullRequest struct {
	Number int
	URL    string
	Title  string
}

// SCMProvider is the source-control surface reached from approved gated
// steps. The core surfaces results (PR URL) but never interprets them.
type SCMProvider interface {
	ListRepositories(ctx context.Context) ([]Repository, error)
	CreateBranch(ctx context.Context, repo, branch, fromRef string) error
	CommitFile(ctx context.Context, in CommitInput) error
	CreatePullRequest(ctx context.Context, in PullRequestInput) (*PullRequest, error)
}
