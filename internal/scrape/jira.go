package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JohanCodinha/issuesync/internal/config"
	"github.com/JohanCodinha/issuesync/internal/logger"
	"github.com/JohanCodinha/issuesync/internal/store"
)

const jiraUserAgent = "issuesync-jira-scraper"

// jiraTimeLayouts covers Jira's ISO8601 variants (with and without
// fractional seconds, numeric zone offset).
var jiraTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

// Jira scrapes issues and comments from one Jira project.
//
// Pagination is offset-based: each page reports the running total, and
// the stream ends when the offset reaches it. owner is an organization
// marker used only in the storage path; project is the Jira project key.
type Jira struct {
	baseURL    string
	username   string
	token      string
	owner      string
	project    string
	httpClient *http.Client

	issuePageDelay   time.Duration
	commentPageDelay time.Duration
}

// NewJira creates a Jira scraper. The base URL is required; credentials
// are optional, anonymous access is permitted.
func NewJira(cfg *config.Config, owner, project string) (*Jira, error) {
	if cfg.JiraBaseURL == "" {
		return nil, fmt.Errorf("jira base url not configured (set %s or jira_base_url in the config file)", config.EnvJiraBaseURL)
	}
	j := NewJiraWithBaseURL(cfg.JiraBaseURL, owner, project)
	j.username = cfg.JiraUsername
	j.token = cfg.JiraToken
	return j, nil
}

// NewJiraWithBaseURL creates an anonymous Jira scraper against an
// explicit base URL (for testing).
func NewJiraWithBaseURL(baseURL, owner, project string) *Jira {
	return &Jira{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		owner:            owner,
		project:          project,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		issuePageDelay:   400 * time.Millisecond,
		commentPageDelay: 240 * time.Millisecond,
	}
}

// Provider returns the platform name used in storage paths.
func (c *Jira) Provider() string {
	return "jira"
}

// doGet performs a GET against the Jira REST API. Any status >= 400 is
// fatal; Jira has no retryable error class here.
func (c *Jira) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", jiraUserAgent)
	if c.username != "" && c.token != "" {
		req.SetBasicAuth(c.username, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		resp.Body.Close()
		return nil, fmt.Errorf("jira: API error %d %s: %s", resp.StatusCode, reqURL, string(body))
	}
	return resp, nil
}

// ListIssues streams the project's issues updated at or after since in
// ascending update order, mapped into the common record shape.
func (c *Jira) ListIssues(ctx context.Context, since string, fn func(store.IssueRecord) error) error {
	jql := fmt.Sprintf("project=%s ORDER BY updated ASC", c.project)
	if since != "" {
		jql = fmt.Sprintf("project=%s AND updated >= '%s' ORDER BY updated ASC", c.project, formatUpdatedSince(since))
	}

	startAt := 0
	for {
		params := url.Values{}
		params.Set("jql", jql)
		params.Set("startAt", strconv.Itoa(startAt))
		// minimize payload: only the fields the record shape needs
		params.Set("fields", "summary,description,status,updated,created,comment,reporter")

		resp, err := c.doGet(ctx, "/rest/api/2/search", params)
		if err != nil {
			return err
		}

		var page struct {
			Issues []json.RawMessage `json:"issues"`
			Total  int               `json:"total"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("jira: failed to decode search page: %w", err)
		}

		if len(page.Issues) == 0 {
			return nil
		}
		for _, raw := range page.Issues {
			rec, err := jiraIssueRecord(raw)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}

		startAt += len(page.Issues)
		if startAt >= page.Total {
			return nil
		}
		if err := politeSleep(ctx, c.issuePageDelay); err != nil {
			return err
		}
	}
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Updated  string `json:"updated"`
		Created  string `json:"created"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Comment struct {
			Total int `json:"total"`
		} `json:"comment"`
	} `json:"fields"`
}

// jiraIssueRecord maps a raw Jira issue into the common record shape:
// key-suffix digits become the number, the status name is lower-cased
// into state, and closed_at stays empty (deriving a true close time
// would require a changelog fetch, which is not attempted).
func jiraIssueRecord(raw json.RawMessage) (store.IssueRecord, error) {
	var ji jiraIssue
	if err := json.Unmarshal(raw, &ji); err != nil {
		return store.IssueRecord{}, fmt.Errorf("jira: failed to decode issue: %w", err)
	}

	number := keySuffixNumber(ji.Key)
	state := "unknown"
	if ji.Fields.Status.Name != "" {
		state = strings.ToLower(ji.Fields.Status.Name)
	}

	return store.IssueRecord{
		Number:        &number,
		Title:         ji.Fields.Summary,
		Body:          ji.Fields.Description,
		State:         state,
		User:          ji.Fields.Reporter.DisplayName,
		CreatedAt:     normalizeJiraTime(ji.Fields.Created),
		UpdatedAt:     normalizeJiraTime(ji.Fields.Updated),
		ClosedAt:      "",
		CommentsCount: ji.Fields.Comment.Total,
		Ref:           ji.Key,
		Raw:           raw,
	}, nil
}

// keySuffixNumber extracts the numeric suffix from a key like PROJ-123.
// Returns 0 when the key has no numeric suffix.
func keySuffixNumber(key string) int64 {
	idx := strings.LastIndex(key, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type jiraComment struct {
	ID     string `json:"id"`
	Author struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Body    string `json:"body"`
	Created string `json:"created"`
	Updated string `json:"updated"`
}

// ListComments drains all comments for one issue. ref is the Jira issue
// key as produced by ListIssues.
func (c *Jira) ListComments(ctx context.Context, ref string) ([]store.CommentRecord, error) {
	var all []store.CommentRecord
	startAt := 0
	for {
		params := url.Values{}
		params.Set("startAt", strconv.Itoa(startAt))

		resp, err := c.doGet(ctx, "/rest/api/2/issue/"+ref+"/comment", params)
		if err != nil {
			return nil, err
		}

		var page struct {
			Comments []json.RawMessage `json:"comments"`
			Total    int               `json:"total"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("jira: failed to decode comments page: %w", err)
		}

		if len(page.Comments) == 0 {
			return all, nil
		}
		for _, raw := range page.Comments {
			rec, err := jiraCommentRecord(ref, raw)
			if err != nil {
				return nil, err
			}
			all = append(all, rec)
		}

		startAt += len(page.Comments)
		if startAt >= page.Total {
			return all, nil
		}
		if err := politeSleep(ctx, c.commentPageDelay); err != nil {
			return nil, err
		}
	}
}

func jiraCommentRecord(issueKey string, raw json.RawMessage) (store.CommentRecord, error) {
	var jc jiraComment
	if err := json.Unmarshal(raw, &jc); err != nil {
		return store.CommentRecord{}, fmt.Errorf("jira: failed to decode comment: %w", err)
	}

	id := commentID(issueKey, jc.ID)
	return store.CommentRecord{
		ID:        &id,
		Body:      jc.Body,
		User:      jc.Author.DisplayName,
		CreatedAt: normalizeJiraTime(jc.Created),
		UpdatedAt: normalizeJiraTime(jc.Updated),
		Raw:       raw,
	}, nil
}

// commentID returns the comment's numeric id, or a stable 63-bit FNV-1a
// hash of issueKey:id when the provider id is not numeric.
func commentID(issueKey, id string) int64 {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(issueKey + ":" + id))
	return int64(h.Sum64() & (1<<63 - 1))
}

// TotalCount asks the search API for the matching total with an empty
// result window. Best effort; failures log a warning and report no
// estimate.
func (c *Jira) TotalCount(ctx context.Context, since string) (int, bool) {
	jql := fmt.Sprintf("project=%s", c.project)
	if since != "" {
		jql += fmt.Sprintf(" AND updated >= '%s'", formatUpdatedSince(since))
	}

	params := url.Values{}
	params.Set("jql", jql)
	params.Set("maxResults", "0")
	params.Set("fields", "id")

	resp, err := c.doGet(ctx, "/rest/api/2/search", params)
	if err != nil {
		logger.Warn("jira: total count failed: %v", err)
		return 0, false
	}
	defer resp.Body.Close()

	var result struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		logger.Warn("jira: failed to decode total count: %v", err)
		return 0, false
	}
	return result.Total, true
}

// normalizeJiraTime converts Jira's offset timestamps to RFC3339 so the
// store's lexical timestamp comparisons behave. Unparseable values pass
// through unchanged.
func normalizeJiraTime(value string) string {
	if value == "" {
		return value
	}
	for _, layout := range jiraTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return value
}

// formatUpdatedSince converts a stored cursor to the JQL-accepted
// minute-precision format, falling back to the date-only prefix and
// then the raw value.
func formatUpdatedSince(since string) string {
	cleaned := strings.TrimSuffix(since, "Z")
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.000", "2006-01-02T15:04:05-07:00"} {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t.Format("2006-01-02 15:04")
		}
	}
	logger.Warn("jira: failed to parse cursor %q for JQL, falling back", since)
	if idx := strings.Index(since, "T"); idx == 10 {
		return since[:10]
	}
	if len(since) >= 10 {
		if _, err := time.Parse("2006-01-02", since[:10]); err == nil {
			return since[:10]
		}
	}
	return since
}
