// Package progress reports sync progress. Reporting is purely
// observational; no engine behavior depends on a reporter being present.
package progress

import (
	"sync"
	"time"

	"github.com/JohanCodinha/issuesync/internal/logger"
)

// Reporter receives progress updates during a sync run. A total of
// (0, false) means the total is unknown and must be displayed as
// indeterminate, never as zero.
type Reporter interface {
	Start(description string, total int, hasTotal bool)
	Advance(n int)
	Done()
}

// interval between progress lines; per-record logging would drown the
// output on large repositories.
const logInterval = 5 * time.Second

// Log is a Reporter that writes interval-gated progress lines through
// the logger.
type Log struct {
	mu          sync.Mutex
	description string
	total       int
	hasTotal    bool
	count       int
	lastLogged  time.Time
	started     time.Time
}

// NewLog returns a logging Reporter.
func NewLog() *Log {
	return &Log{}
}

// Start begins a progress task.
func (p *Log) Start(description string, total int, hasTotal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.description = description
	p.total = total
	p.hasTotal = hasTotal
	p.count = 0
	p.started = time.Now()
	p.lastLogged = time.Time{}

	if hasTotal {
		logger.Info("%s: 0/%d", description, total)
	} else {
		logger.Info("%s: starting (total unknown)", description)
	}
}

// Advance adds n processed items and logs when the interval elapsed.
func (p *Log) Advance(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count += n
	if time.Since(p.lastLogged) < logInterval {
		return
	}
	p.lastLogged = time.Now()
	if p.hasTotal && p.total > 0 {
		logger.Info("%s: %d/%d (%.1f%%)", p.description, p.count, p.total,
			float64(p.count)/float64(p.total)*100.0)
	} else {
		logger.Info("%s: %d", p.description, p.count)
	}
}

// Done logs the final count and elapsed time.
func (p *Log) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	logger.Info("%s: finished, %d items in %s", p.description, p.count,
		time.Since(p.started).Round(time.Second))
}

// Noop is a Reporter that discards all updates.
type Noop struct{}

// Start implements Reporter.
func (Noop) Start(string, int, bool) {}

// Advance implements Reporter.
func (Noop) Advance(int) {}

// Done implements Reporter.
func (Noop) Done() {}
