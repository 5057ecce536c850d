package progress

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/JohanCodinha/issuesync/internal/logger"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })
	return &buf
}

func TestLog_StartWithTotal(t *testing.T) {
	buf := captureLog(t)
	p := NewLog()
	p.Start("sync github issues", 120, true)
	if !strings.Contains(buf.String(), "sync github issues: 0/120") {
		t.Errorf("start line missing total:\n%s", buf.String())
	}
}

func TestLog_StartWithoutTotal(t *testing.T) {
	buf := captureLog(t)
	p := NewLog()
	p.Start("sync jira issues", 0, false)
	out := buf.String()
	if strings.Contains(out, "0/0") {
		t.Errorf("unknown total rendered as zero:\n%s", out)
	}
	if !strings.Contains(out, "total unknown") {
		t.Errorf("start line missing unknown marker:\n%s", out)
	}
}

func TestLog_AdvanceIsIntervalGated(t *testing.T) {
	buf := captureLog(t)
	p := NewLog()
	p.Start("sync", 10, true)
	buf.Reset()

	// The first Advance after Start logs (lastLogged is zero); the
	// immediately following ones fall inside the interval and stay quiet.
	p.Advance(1)
	first := buf.String()
	if !strings.Contains(first, "1/10") {
		t.Errorf("first advance not logged:\n%s", first)
	}
	buf.Reset()
	p.Advance(1)
	p.Advance(1)
	if buf.Len() != 0 {
		t.Errorf("advances inside the interval were logged:\n%s", buf.String())
	}
}

func TestLog_DoneReportsCount(t *testing.T) {
	buf := captureLog(t)
	p := NewLog()
	p.Start("sync", 3, true)
	p.Advance(3)
	buf.Reset()
	p.Done()
	if !strings.Contains(buf.String(), "finished, 3 items") {
		t.Errorf("done line missing count:\n%s", buf.String())
	}
}

func TestNoopImplementsReporter(t *testing.T) {
	var r Reporter = Noop{}
	r.Start("anything", 5, true)
	r.Advance(2)
	r.Done()
}
