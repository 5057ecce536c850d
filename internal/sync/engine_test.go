package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/JohanCodinha/issuesync/internal/logger"
	"github.com/JohanCodinha/issuesync/internal/store"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func createTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenPath(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func int64Ptr(v int64) *int64 { return &v }

func issueRec(number int64, title, updated string, comments int) store.IssueRecord {
	return store.IssueRecord{
		Number:        int64Ptr(number),
		Title:         title,
		Body:          "body of " + title,
		State:         "open",
		User:          "octocat",
		CreatedAt:     "2024-01-01T00:00:00Z",
		UpdatedAt:     updated,
		CommentsCount: comments,
		Ref:           fmt.Sprintf("%d", number),
		Raw:           json.RawMessage(fmt.Sprintf(`{"number":%d}`, number)),
	}
}

func commentRec(id int64, body, updated string) store.CommentRecord {
	return store.CommentRecord{
		ID:        int64Ptr(id),
		Body:      body,
		User:      "octocat",
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: updated,
		Raw:       json.RawMessage(fmt.Sprintf(`{"id":%d}`, id)),
	}
}

// fakeScraper replays a fixed record set and records what the engine
// asked for.
type fakeScraper struct {
	issues   []store.IssueRecord
	comments map[string][]store.CommentRecord

	total    int
	hasTotal bool

	commentErr error

	gotSince     string
	commentCalls []string
}

func (f *fakeScraper) Provider() string { return "fake" }

func (f *fakeScraper) ListIssues(ctx context.Context, since string, fn func(store.IssueRecord) error) error {
	f.gotSince = since
	for _, rec := range f.issues {
		if since != "" && rec.UpdatedAt < since {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeScraper) ListComments(ctx context.Context, ref string) ([]store.CommentRecord, error) {
	f.commentCalls = append(f.commentCalls, ref)
	if f.commentErr != nil {
		return nil, f.commentErr
	}
	return f.comments[ref], nil
}

func (f *fakeScraper) TotalCount(ctx context.Context, since string) (int, bool) {
	return f.total, f.hasTotal
}

// recordingReporter captures progress calls for assertions.
type recordingReporter struct {
	startTotal    int
	startHasTotal bool
	advanced      int
	done          bool
}

func (r *recordingReporter) Start(desc string, total int, hasTotal bool) {
	r.startTotal = total
	r.startHasTotal = hasTotal
}
func (r *recordingReporter) Advance(n int) { r.advanced += n }
func (r *recordingReporter) Done()         { r.done = true }

func twoIssueScraper() *fakeScraper {
	return &fakeScraper{
		issues: []store.IssueRecord{
			issueRec(1, "first", "2024-01-01T00:00:00Z", 0),
			issueRec(2, "second", "2024-01-02T00:00:00Z", 1),
		},
		comments: map[string][]store.CommentRecord{
			"2": {commentRec(9, "a comment", "2024-01-02T00:00:00Z")},
		},
		total:    2,
		hasTotal: true,
	}
}

func TestRun_FullPassStoresIssuesCommentsAndCursor(t *testing.T) {
	db := createTestDB(t)
	sc := twoIssueScraper()

	summary, err := New(db, sc, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ProcessedIssues != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedIssues)
	}
	if summary.LastUpdated != "2024-01-02T00:00:00Z" {
		t.Errorf("cursor = %q, want 2024-01-02T00:00:00Z", summary.LastUpdated)
	}

	cursor, err := db.LastSync()
	if err != nil {
		t.Fatalf("LastSync failed: %v", err)
	}
	if cursor != "2024-01-02T00:00:00Z" {
		t.Errorf("persisted cursor = %q, want 2024-01-02T00:00:00Z", cursor)
	}

	issues, err := db.GetIssuesWithComments()
	if err != nil {
		t.Fatalf("GetIssuesWithComments failed: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 stored issues, got %d", len(issues))
	}
	if len(issues[0].Comments) != 0 {
		t.Errorf("issue 1 should have no comments, got %d", len(issues[0].Comments))
	}
	if len(issues[1].Comments) != 1 || issues[1].Comments[0].ID != 9 {
		t.Errorf("issue 2 comment not stored: %+v", issues[1].Comments)
	}
	if len(sc.commentCalls) != 1 || sc.commentCalls[0] != "2" {
		t.Errorf("expected one comment fetch for ref 2, got %v", sc.commentCalls)
	}
}

func TestRun_RerunIsNoOpAndSkipsCommentFetch(t *testing.T) {
	db := createTestDB(t)
	sc := twoIssueScraper()
	engine := New(db, sc, Options{})

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	firstCalls := len(sc.commentCalls)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if sc.gotSince != "2024-01-02T00:00:00Z" {
		t.Errorf("second run since = %q, want the persisted cursor", sc.gotSince)
	}
	// Issue 2 is replayed unchanged at the cursor boundary; it must be a
	// no-op upsert, so no comment refetch happens.
	if len(sc.commentCalls) != firstCalls {
		t.Errorf("rerun fetched comments again: %v", sc.commentCalls)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Issues != 2 || stats.Comments != 1 {
		t.Errorf("stats after rerun = %+v, want 2 issues, 1 comment", stats)
	}
}

func TestRun_ChangedIssueRefetchesComments(t *testing.T) {
	db := createTestDB(t)
	sc := twoIssueScraper()
	if _, err := New(db, sc, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	sc.issues[1].Title = "second, edited"
	sc.issues[1].UpdatedAt = "2024-01-03T00:00:00Z"
	sc.comments["2"] = append(sc.comments["2"], commentRec(10, "another comment", "2024-01-03T00:00:00Z"))

	summary, err := New(db, sc, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.LastUpdated != "2024-01-03T00:00:00Z" {
		t.Errorf("cursor = %q, want 2024-01-03T00:00:00Z", summary.LastUpdated)
	}

	issues, err := db.GetIssuesWithComments()
	if err != nil {
		t.Fatalf("GetIssuesWithComments failed: %v", err)
	}
	if issues[1].Title != "second, edited" {
		t.Errorf("issue update not stored: %q", issues[1].Title)
	}
	if len(issues[1].Comments) != 2 {
		t.Errorf("expected 2 comments after refetch, got %d", len(issues[1].Comments))
	}
}

func TestRun_CommentFetchFailureIsFatalAndHoldsCursor(t *testing.T) {
	db := createTestDB(t)
	if err := db.SetLastSync("2023-12-31T00:00:00Z"); err != nil {
		t.Fatalf("SetLastSync failed: %v", err)
	}

	sc := twoIssueScraper()
	sc.commentErr = errors.New("comment endpoint down")

	_, err := New(db, sc, Options{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error from the failed comment fetch")
	}

	cursor, cerr := db.LastSync()
	if cerr != nil {
		t.Fatalf("LastSync failed: %v", cerr)
	}
	// Issue 1 completed, issue 2 did not; the cursor must cover exactly
	// the completed prefix so the next run replays issue 2.
	if cursor != "2024-01-01T00:00:00Z" {
		t.Errorf("cursor = %q, want 2024-01-01T00:00:00Z", cursor)
	}
}

func TestRun_MissingNumberAbortsWithoutCursorAdvance(t *testing.T) {
	db := createTestDB(t)
	bad := issueRec(1, "first", "2024-01-01T00:00:00Z", 0)
	bad.Number = nil
	sc := &fakeScraper{issues: []store.IssueRecord{bad}}

	_, err := New(db, sc, Options{}).Run(context.Background())
	if !errors.Is(err, store.ErrNoIssueNumber) {
		t.Fatalf("expected ErrNoIssueNumber, got %v", err)
	}

	cursor, cerr := db.LastSync()
	if cerr != nil {
		t.Fatalf("LastSync failed: %v", cerr)
	}
	if cursor != "" {
		t.Errorf("cursor advanced past a malformed record: %q", cursor)
	}
}

func TestRun_LimitStopsBeforeCommentsAndCursor(t *testing.T) {
	db := createTestDB(t)
	sc := twoIssueScraper()

	summary, err := New(db, sc, Options{Limit: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ProcessedIssues != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedIssues)
	}

	// The limit fires on issue 2 right after its upsert: its comments are
	// not fetched and the cursor stays at issue 1, so the next run picks
	// issue 2 back up.
	if len(sc.commentCalls) != 0 {
		t.Errorf("limit run fetched comments: %v", sc.commentCalls)
	}
	cursor, err := db.LastSync()
	if err != nil {
		t.Fatalf("LastSync failed: %v", err)
	}
	if cursor != "2024-01-01T00:00:00Z" {
		t.Errorf("cursor = %q, want 2024-01-01T00:00:00Z", cursor)
	}

	// Resumed run replays issue 2 and advances the cursor past it. The
	// row is unchanged so its comments stay unfetched until the issue is
	// next edited upstream.
	if _, err := New(db, sc, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("resume run failed: %v", err)
	}
	cursor, err = db.LastSync()
	if err != nil {
		t.Fatalf("LastSync failed: %v", err)
	}
	if cursor != "2024-01-02T00:00:00Z" {
		t.Errorf("cursor after resume = %q, want 2024-01-02T00:00:00Z", cursor)
	}
}

func TestRun_ForceIgnoresCursor(t *testing.T) {
	db := createTestDB(t)
	if err := db.SetLastSync("2024-06-01T00:00:00Z"); err != nil {
		t.Fatalf("SetLastSync failed: %v", err)
	}
	sc := twoIssueScraper()

	summary, err := New(db, sc, Options{Force: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sc.gotSince != "" {
		t.Errorf("force run passed since = %q, want empty", sc.gotSince)
	}
	if summary.ProcessedIssues != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedIssues)
	}

	// The cursor is monotonic: records older than the stored cursor must
	// not move it backwards.
	cursor, cerr := db.LastSync()
	if cerr != nil {
		t.Fatalf("LastSync failed: %v", cerr)
	}
	if cursor != "2024-06-01T00:00:00Z" {
		t.Errorf("force run moved the cursor backwards to %q", cursor)
	}
}

func TestRun_ProgressTotals(t *testing.T) {
	db := createTestDB(t)
	sc := twoIssueScraper()
	sc.total = 200
	rep := &recordingReporter{}

	if _, err := New(db, sc, Options{Limit: 5, Progress: rep}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.startHasTotal || rep.startTotal != 5 {
		t.Errorf("display total = (%d, %v), want the limit (5, true)", rep.startTotal, rep.startHasTotal)
	}
	if rep.advanced != 2 {
		t.Errorf("advanced = %d, want 2", rep.advanced)
	}
	if !rep.done {
		t.Error("Done was not called")
	}
}

func TestRun_NoTotalEstimateStillSyncs(t *testing.T) {
	db := createTestDB(t)
	sc := twoIssueScraper()
	sc.hasTotal = false
	sc.total = 0
	rep := &recordingReporter{}

	summary, err := New(db, sc, Options{Progress: rep}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ProcessedIssues != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedIssues)
	}
	if rep.startHasTotal {
		t.Error("reporter was given a total when none was available")
	}
}
