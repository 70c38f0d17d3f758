package hipaa

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.Disabled)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)

func accessEntry(actor, subject, op, dataType string, result AccessResult) *AuditLogEntry {
	return &AuditLogEntry{
		Actor:        actor,
		Subject:      subject,
		Operation:    op,
		DataType:     dataType,
		AccessResult: result,
	}
}
