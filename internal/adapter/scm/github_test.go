package scm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v66/github"

	"council/internal/domain"
)

func newTestProvider(t *testing.T, mux *http.ServeMux) *GitHubProvider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, _ := url.Parse(srv.URL + "/")
	client.BaseURL = base

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newGitHubProviderWithClient(client, "acme", logger)
}

func TestListRepositories(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"name": "widgets", "full_name": "acme/widgets", "owner": {"login": "acme"},
			 "description": "widget factory", "default_branch": "main", "private": true},
			{"name": "docs", "full_name": "acme/docs", "owner": {"login": "acme"},
			 "default_branch": "master"}
		]`)
	})

	p := newTestProvider(t, mux)
	repos, err := p.ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2", len(repos))
	}
	if repos[0].FullName != "acme/widgets" || !repos[0].Private || repos[0].DefaultBranch != "main" {
		t.Errorf("repo = %+v", repos[0])
	}
}

func TestCreateBranchFromDefault(t *testing.T) {
	// go-github serializes CreateRef as a flat {"ref","sha"} payload,
	// not a nested Reference.
	var createdRef struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name": "widgets", "default_branch": "main"}`)
	})
	mux.HandleFunc("GET /repos/acme/widgets/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ref": "refs/heads/main", "object": {"sha": "abc123"}}`)
	})
	mux.HandleFunc("POST /repos/acme/widgets/git/refs", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &createdRef)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ref": "refs/heads/council/task-1", "object": {"sha": "abc123"}}`)
	})

	p := newTestProvider(t, mux)
	if err := p.CreateBranch(context.Background(), "acme/widgets", "council/task-1", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if createdRef.Ref != "refs/heads/council/task-1" {
		t.Errorf("ref = %q", createdRef.Ref)
	}
	if createdRef.SHA != "abc123" {
		t.Errorf("sha = %q", createdRef.SHA)
	}
}

func TestCommitFile(t *testing.T) {
	var got github.RepositoryContentFileOptions

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /repos/acme/widgets/contents/docs/tasks/t1.md", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		io.WriteString(w, `{"content": {"path": "docs/tasks/t1.md"}}`)
	})

	p := newTestProvider(t, mux)
	err := p.CommitFile(context.Background(), domain.CommitInput{
		Repo:    "acme/widgets",
		Branch:  "council/task-1",
		Path:    "docs/tasks/t1.md",
		Message: "Add task notes",
		Content: []byte("# notes"),
	})
	if err != nil {
		t.Fatalf("CommitFile: %v", err)
	}

	if got.GetMessage() != "Add task notes" || got.GetBranch() != "council/task-1" {
		t.Errorf("options = %+v", got)
	}
	// Content is base64 on the wire; unmarshalling into []byte decodes it.
	if string(got.Content) != "# notes" {
		t.Errorf("content = %q, want %q", got.Content, "# notes")
	}
}

func TestCreatePullRequest(t *testing.T) {
	var got github.NewPullRequest

	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"number": 7, "title": "Fix login", "html_url": "https://github.com/acme/widgets/pull/7"}`)
	})

	p := newTestProvider(t, mux)
	pr, err := p.CreatePullRequest(context.Background(), domain.PullRequestInput{
		Repo:  "acme/widgets",
		Title: "Fix login",
		Body:  "details",
		Head:  "council/task-1",
		Base:  "main",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}

	if pr.Number != 7 || pr.URL != "https://github.com/acme/widgets/pull/7" {
		t.Errorf("pr = %+v", pr)
	}
	if got.GetHead() != "council/task-1" || got.GetBase() != "main" {
		t.Errorf("request = %+v", got)
	}
}

func TestSplitRepoRejectsBadInput(t *testing.T) {
	for _, bad := range []string{"", "widgets", "/widgets", "acme/"} {
		if _, _, err := splitRepo(bad); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("splitRepo(%q) = %v, want ErrInvalidInput", bad, err)
		}
	}
	owner, name, err := splitRepo("acme/widgets")
	if err != nil || owner != "acme" || name != "widgets" {
		t.Errorf("splitRepo(acme/widgets) = %q %q %v", owner, name, err)
	}
}
