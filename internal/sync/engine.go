// Package sync drives one incremental synchronization pass: it streams
// a scraper's records since the persisted cursor, writes them through
// the store, fetches comments for new or changed issues, and advances
// the cursor after every fully-processed issue so a crash loses at most
// the in-flight issue.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohanCodinha/issuesync/internal/logger"
	"github.com/JohanCodinha/issuesync/internal/progress"
	"github.com/JohanCodinha/issuesync/internal/store"
)

// Scraper is the provider capability set the engine drives. The engine
// never branches on provider identity; both variants produce the common
// record shape at this boundary.
type Scraper interface {
	// Provider returns the platform name (github, jira).
	Provider() string
	// ListIssues streams raw issue records updated at or after since,
	// in ascending update order, invoking fn once per record. Errors
	// from fn stop the walk and are returned unchanged.
	ListIssues(ctx context.Context, since string, fn func(store.IssueRecord) error) error
	// ListComments drains all comments for one issue.
	ListComments(ctx context.Context, ref string) ([]store.CommentRecord, error)
	// TotalCount estimates how many records ListIssues will yield.
	// ok=false means no estimate; that is not the same as zero.
	TotalCount(ctx context.Context, since string) (int, bool)
}

// Options configures one sync run.
type Options struct {
	// Limit caps the number of issues processed this run; 0 means no
	// cap. The next run resumes from the persisted cursor.
	Limit int
	// Force ignores the persisted cursor and walks the full history.
	Force bool
	// Progress receives display updates; nil disables reporting.
	Progress progress.Reporter
}

// Summary is the result of one sync run.
type Summary struct {
	ProcessedIssues int    `json:"processed_issues"`
	LastUpdated     string `json:"last_updated"`
}

// errLimitReached stops the issue walk when Options.Limit fires.
var errLimitReached = errors.New("issue limit reached")

// Engine runs incremental sync passes for one repository.
type Engine struct {
	db      *store.DB
	scraper Scraper
	opts    Options
}

// New creates a sync engine.
func New(db *store.DB, scraper Scraper, opts Options) *Engine {
	if opts.Progress == nil {
		opts.Progress = progress.Noop{}
	}
	return &Engine{db: db, scraper: scraper, opts: opts}
}

// Run performs one incremental pass and returns its summary.
//
// Per record: upsert the issue; stop if the limit fired (the
// terminating issue's comments and cursor advancement are skipped and
// caught by the next run); drain comments when the issue is new or
// changed and reports any; then advance and persist the cursor. A
// failed comment fetch is fatal and never advances the cursor past its
// issue.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	stored, err := e.db.LastSync()
	if err != nil {
		return Summary{}, err
	}
	// Force drops the cursor from the query, not from persistence: a
	// full rescan must never move the stored cursor backwards.
	since := stored
	if e.opts.Force {
		since = ""
	}
	if since == "" {
		logger.Info("sync %s: full sync (no cursor)", e.scraper.Provider())
	} else {
		logger.Info("sync %s: incremental since %s", e.scraper.Provider(), since)
	}

	// Estimate is display-only; failure must not abort the run.
	total, hasTotal := e.scraper.TotalCount(ctx, since)
	displayTotal, hasDisplay := total, hasTotal
	if e.opts.Limit > 0 {
		if !hasTotal || e.opts.Limit < total {
			displayTotal, hasDisplay = e.opts.Limit, true
		}
	}
	e.opts.Progress.Start(fmt.Sprintf("sync %s issues", e.scraper.Provider()), displayTotal, hasDisplay)

	maxCursor := stored
	processed := 0

	err = e.scraper.ListIssues(ctx, since, func(rec store.IssueRecord) error {
		key, inserted, changed, err := e.db.UpsertIssue(rec)
		if err != nil {
			return err
		}
		processed++
		e.opts.Progress.Advance(1)
		if e.opts.Limit > 0 && processed >= e.opts.Limit {
			return errLimitReached
		}

		if (inserted || changed) && rec.CommentsCount > 0 {
			comments, err := e.scraper.ListComments(ctx, rec.Ref)
			if err != nil {
				return fmt.Errorf("failed to fetch comments for issue %s: %w", key, err)
			}
			for _, c := range comments {
				if _, _, _, err := e.db.UpsertComment(key, c); err != nil {
					return fmt.Errorf("failed to store comment for issue %s: %w", key, err)
				}
			}
		}

		// Persist after the issue and its comments are fully committed,
		// so the cursor only ever covers completed issues.
		if rec.UpdatedAt != "" && rec.UpdatedAt > maxCursor {
			maxCursor = rec.UpdatedAt
			if err := e.db.SetLastSync(maxCursor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return Summary{ProcessedIssues: processed, LastUpdated: maxCursor}, err
	}

	e.opts.Progress.Done()
	logger.Info("sync %s: processed %d issues, cursor %s", e.scraper.Provider(), processed, maxCursor)
	return Summary{ProcessedIssues: processed, LastUpdated: maxCursor}, nil
}
