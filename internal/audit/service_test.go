package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/aegis-iam/aegis/testing"
)

type memRepo struct {
	entries   []Entry
	events    []Event
	insertErr error

	lastLimit  int
	lastOffset int
}

func (m *memRepo) Insert(ctx context.Context, event Event) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memRepo) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Entry, error) {
	m.lastLimit = limit
	m.lastOffset = offset
	if offset >= len(m.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.entries) {
		end = len(m.entries)
	}
	return m.entries[offset:end], nil
}

func (m *memRepo) TimelineAll(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	return m.entries, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func makeEntries(n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, Entry{
			ID:        int64(n - i),
			UserID:    1,
			Action:    ActionUserLogin,
			CreatedAt: time.Date(2026, 8, 1, 12, 0, n-i, 0, time.UTC),
		})
	}
	return entries
}

func TestRecorderRejectsEmptyAction(t *testing.T) {
	repo := &memRepo{}
	recorder := NewRecorder(repo, testLogger())

	err := recorder.Record(context.Background(), Event{UserID: 1})
	require.Error(t, err)
	assert.Empty(t, repo.events)
}

func TestLogEventSwallowsStorageFailure(t *testing.T) {
	repo := &memRepo{insertErr: errors.New("connection refused")}
	recorder := NewRecorder(repo, testLogger())

	// Must not panic or propagate.
	recorder.LogEvent(context.Background(), Event{UserID: 1, Action: ActionUserLogin})
	assert.Empty(t, repo.events)
}

func TestLogEventOnNilRecorder(t *testing.T) {
	var recorder *Recorder
	recorder.LogEvent(context.Background(), Event{Action: ActionUserLogin})
}

func TestTimelineOverfetchDetectsNextPage(t *testing.T) {
	repo := &memRepo{entries: makeEntries(25)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 10)
	assert.Equal(t, 11, repo.lastLimit)
	assert.Equal(t, 0, repo.lastOffset)
	assert.True(t, res.Paging.HasNext)
	assert.Equal(t, 2, res.Paging.NextPage)
	assert.Zero(t, res.Paging.PrevPage)
}

func TestTimelineLastPage(t *testing.T) {
	repo := &memRepo{entries: makeEntries(25)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 5)
	assert.Equal(t, 20, repo.lastOffset)
	assert.False(t, res.Paging.HasNext)
	assert.Equal(t, 2, res.Paging.PrevPage)
	assert.Zero(t, res.Paging.NextPage)
}

func TestTimelineDefaultsAndCaps(t *testing.T) {
	repo := &memRepo{entries: makeEntries(5)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Paging.Page)
	assert.Equal(t, 20, res.Paging.PageSize)

	res, err = svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Paging.PageSize)
}

func TestWriteCSV(t *testing.T) {
	entries := []Entry{
		{
			ID:        2,
			UserID:    1,
			Action:    ActionPermissionGranted,
			Resource:  "user_permission",
			Details:   map[string]any{"permission": "reports:read"},
			IPAddress: "10.0.0.5",
			CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ID:        1,
			UserID:    1,
			Action:    ActionUserLogin,
			CreatedAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, entries))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\r\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,created_at,user_id,action,resource,resource_id,ip_address,user_agent,details", lines[0])
	assert.Contains(t, lines[1], "2026-08-01T12:00:00Z")
	assert.Contains(t, lines[1], "permission_granted")
	assert.Contains(t, lines[1], `""permission"":""reports:read""`)
	assert.Contains(t, lines[2], "user_login")
}
