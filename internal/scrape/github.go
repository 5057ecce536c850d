package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/JohanCodinha/issuesync/internal/config"
	"github.com/JohanCodinha/issuesync/internal/logger"
	"github.com/JohanCodinha/issuesync/internal/store"
)

const (
	githubAPIBaseURL = "https://api.github.com"
	githubAPIVersion = "2022-11-28"
	githubUserAgent  = "issuesync-github-scraper"
)

// GitHub scrapes issues and comments from a GitHub repository.
//
// Pagination is entirely server-driven: after the first page, requests
// follow the Link header's rel="next" URL verbatim, with no assumptions
// about page-number semantics.
type GitHub struct {
	token      string
	baseURL    string
	owner      string
	repo       string
	httpClient *http.Client

	// pacing and retry policy, overridable in tests
	issuePageDelay   time.Duration
	commentPageDelay time.Duration
	rateLimitWait    time.Duration
	notFoundWait     time.Duration
}

// NewGitHub creates a GitHub scraper for owner/repo. A missing token is
// a construction-time error.
func NewGitHub(cfg *config.Config, owner, repo string) (*GitHub, error) {
	if cfg.GitHubToken == "" {
		return nil, fmt.Errorf("github token not configured (set %s or github_token in the config file)", config.EnvGitHubToken)
	}
	return NewGitHubWithBaseURL(cfg.GitHubToken, githubAPIBaseURL, owner, repo), nil
}

// NewGitHubWithBaseURL creates a GitHub scraper against a custom base
// URL (for testing).
func NewGitHubWithBaseURL(token, baseURL, owner, repo string) *GitHub {
	return &GitHub{
		token:            token,
		baseURL:          baseURL,
		owner:            owner,
		repo:             repo,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		issuePageDelay:   250 * time.Millisecond,
		commentPageDelay: 150 * time.Millisecond,
		rateLimitWait:    time.Hour,
		notFoundWait:     10 * time.Second,
	}
}

// Provider returns the platform name used in storage paths.
func (c *GitHub) Provider() string {
	return "github"
}

func (c *GitHub) doRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", githubUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// getNextPageURL extracts the next page URL from the Link header.
// Link header format: <url>; rel="next", <url>; rel="last"
func getNextPageURL(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	re := regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)
	matches := re.FindStringSubmatch(linkHeader)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// githubIssue is the subset of the issue payload the store models;
// everything else rides along in the raw payload.
type githubIssue struct {
	Number    *int64 `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	ClosedAt  string `json:"closed_at"`
	Comments  int    `json:"comments"`
}

func githubIssueRecord(raw json.RawMessage) (store.IssueRecord, error) {
	var gi githubIssue
	if err := json.Unmarshal(raw, &gi); err != nil {
		return store.IssueRecord{}, fmt.Errorf("failed to decode issue: %w", err)
	}
	rec := store.IssueRecord{
		Number:        gi.Number,
		Title:         gi.Title,
		Body:          gi.Body,
		State:         gi.State,
		User:          gi.User.Login,
		CreatedAt:     gi.CreatedAt,
		UpdatedAt:     gi.UpdatedAt,
		ClosedAt:      gi.ClosedAt,
		CommentsCount: gi.Comments,
		Raw:           raw,
	}
	if gi.Number != nil {
		rec.Ref = strconv.FormatInt(*gi.Number, 10)
	}
	return rec, nil
}

// ListIssues streams issues and pull requests updated at or after since
// (all of them when since is empty), in ascending update order, calling
// fn once per record. Any error from fn stops the walk and is returned
// unchanged.
//
// A 403 is treated as a rate limit: the scraper backs off and then
// re-requests the same page. Any other non-200 status is fatal.
func (c *GitHub) ListIssues(ctx context.Context, since string, fn func(store.IssueRecord) error) error {
	params := url.Values{}
	params.Set("per_page", "100")
	params.Set("state", "all")
	params.Set("sort", "updated")
	params.Set("direction", "asc")
	if since != "" {
		params.Set("since", since)
		logger.Debug("github: using since filter %s", since)
	}
	pageURL := fmt.Sprintf("%s/repos/%s/%s/issues?%s", c.baseURL, c.owner, c.repo, params.Encode())

	for pageURL != "" {
		resp, err := c.doRequest(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusForbidden {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			logger.Warn("github: rate limit listing issues for %s/%s, backing off %s", c.owner, c.repo, c.rateLimitWait)
			if err := sleepCtx(ctx, c.rateLimitWait); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("github: failed to list issues: %s - %s", resp.Status, string(body))
		}

		var batch []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			resp.Body.Close()
			return fmt.Errorf("github: failed to decode issues page: %w", err)
		}
		next := getNextPageURL(resp.Header.Get("Link"))
		resp.Body.Close()

		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			rec, err := githubIssueRecord(raw)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}

		pageURL = next
		if pageURL != "" {
			if err := politeSleep(ctx, c.issuePageDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

type githubComment struct {
	ID   *int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ListComments drains all comments for one issue. ref is the issue
// number as produced by ListIssues.
//
// A 403 backs off like issue listing. A 404 is treated as transient
// jitter and retried after a short delay. Any other non-200 is fatal.
func (c *GitHub) ListComments(ctx context.Context, ref string) ([]store.CommentRecord, error) {
	pageURL := fmt.Sprintf("%s/repos/%s/%s/issues/%s/comments?per_page=100", c.baseURL, c.owner, c.repo, ref)

	var all []store.CommentRecord
	for pageURL != "" {
		resp, err := c.doRequest(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusForbidden:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			logger.Warn("github: rate limit listing comments for issue %s, backing off %s", ref, c.rateLimitWait)
			if err := sleepCtx(ctx, c.rateLimitWait); err != nil {
				return nil, err
			}
			continue
		case http.StatusNotFound:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			logger.Warn("github: issue %s not found listing comments, retrying in %s", ref, c.notFoundWait)
			if err := sleepCtx(ctx, c.notFoundWait); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("github: failed to list comments for issue %s: %s - %s", ref, resp.Status, string(body))
		}

		var batch []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("github: failed to decode comments page: %w", err)
		}
		next := getNextPageURL(resp.Header.Get("Link"))
		resp.Body.Close()

		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			var gc githubComment
			if err := json.Unmarshal(raw, &gc); err != nil {
				return nil, fmt.Errorf("github: failed to decode comment: %w", err)
			}
			all = append(all, store.CommentRecord{
				ID:        gc.ID,
				Body:      gc.Body,
				User:      gc.User.Login,
				CreatedAt: gc.CreatedAt,
				UpdatedAt: gc.UpdatedAt,
				Raw:       raw,
			})
		}

		pageURL = next
		if pageURL != "" {
			if err := politeSleep(ctx, c.commentPageDelay); err != nil {
				return nil, err
			}
		}
	}
	return all, nil
}

// TotalCount returns a best-effort estimate of issues and pull requests
// matching the since filter, for progress display only. With a since
// filter the search API's total_count is used; without one, a GraphQL
// totals query. All failure paths log a warning and report no estimate.
func (c *GitHub) TotalCount(ctx context.Context, since string) (int, bool) {
	if since != "" {
		return c.searchCount(ctx, since)
	}
	return c.graphqlCount(ctx)
}

func (c *GitHub) searchCount(ctx context.Context, since string) (int, bool) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("repo:%s/%s updated:>=%s", c.owner, c.repo, since))
	params.Set("per_page", "1")

	resp, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/search/issues?"+params.Encode(), nil)
	if err != nil {
		logger.Warn("github: search count request failed: %v", err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		logger.Warn("github: search count error %s: %s", resp.Status, string(body))
		return 0, false
	}

	var result struct {
		TotalCount int `json:"total_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		logger.Warn("github: failed to decode search count: %v", err)
		return 0, false
	}
	return result.TotalCount, true
}

// graphqlCount sums issue and pull request totals; GraphQL costs less
// rate limit than the search API for the unfiltered case.
func (c *GitHub) graphqlCount(ctx context.Context) (int, bool) {
	const query = `query($owner:String!,$repo:String!){repository(owner:$owner,name:$repo){` +
		`issues(states:[OPEN,CLOSED]){totalCount}` +
		`pullRequests(states:[OPEN,CLOSED,MERGED]){totalCount}}}`

	payload, err := json.Marshal(map[string]interface{}{
		"query": query,
		"variables": map[string]string{
			"owner": c.owner,
			"repo":  c.repo,
		},
	})
	if err != nil {
		logger.Warn("github: failed to marshal graphql query: %v", err)
		return 0, false
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(payload))
	if err != nil {
		logger.Warn("github: graphql count request failed: %v", err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		logger.Warn("github: graphql count error %s: %s", resp.Status, string(body))
		return 0, false
	}

	var result struct {
		Data struct {
			Repository struct {
				Issues struct {
					TotalCount int `json:"totalCount"`
				} `json:"issues"`
				PullRequests struct {
					TotalCount int `json:"totalCount"`
				} `json:"pullRequests"`
			} `json:"repository"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		logger.Warn("github: failed to decode graphql count: %v", err)
		return 0, false
	}
	if len(result.Errors) > 0 {
		logger.Warn("github: graphql count errors: %s", result.Errors[0].Message)
		return 0, false
	}
	return result.Data.Repository.Issues.TotalCount + result.Data.Repository.PullRequests.TotalCount, true
}
