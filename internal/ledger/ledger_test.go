package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 1, h, m, s, 0, time.Local)
}

func readAll(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRecord_FirstTimestampWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Attendance.csv")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	added, err := l.Record("alice", at(10, 0, 0))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = l.Record("alice", at(10, 0, 5))
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, "alice,10:00:00\n", readAll(t, path))
	assert.Equal(t, []Record{{Label: "alice", Time: "10:00:00"}}, l.Records())
	assert.True(t, l.Has("alice"))
}

func TestOpen_RoundTripsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Attendance.csv")
	require.NoError(t, os.WriteFile(path, []byte("carol,09:00:00\n"), 0644))

	l, err := Open(path)
	require.NoError(t, err)

	added, err := l.Record("carol", at(11, 0, 0))
	require.NoError(t, err)
	assert.False(t, added)
	added, err = l.Record("dave", at(11, 0, 1))
	require.NoError(t, err)
	assert.True(t, added)
	require.NoError(t, l.Close())

	assert.Equal(t, "carol,09:00:00\ndave,11:00:01\n", readAll(t, path))

	// A second run sees both.
	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 2, l2.Len())
	assert.True(t, l2.Has("dave"))
}

func TestOpen_MissingTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Attendance.csv")
	require.NoError(t, os.WriteFile(path, []byte("carol,09:00:00"), 0644))

	l, err := Open(path, WithoutSync())
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Record("erin", at(12, 30, 0))
	require.NoError(t, err)
	_, err = l.Record("frank", at(12, 31, 0))
	require.NoError(t, err)

	assert.Equal(t, "carol,09:00:00\nerin,12:30:00\nfrank,12:31:00\n", readAll(t, path))
}

func TestOpen_ToleratesMalformedLines(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	path := filepath.Join(t.TempDir(), "Attendance.csv")
	content := "\n" +
		"garbage\n" +
		"alice,08:15:00\r\n" +
		",07:00:00\n" +
		"bob,not-a-time\n" +
		"alice,09:00:00\n" + // duplicate, first wins
		"x,y,z\n" +
		"   \n" +
		"bob,08:20:00\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	l, err := Open(path, WithoutSync())
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []Record{
		{Label: "alice", Time: "08:15:00"},
		{Label: "bob", Time: "08:20:00"},
	}, l.Records())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, 4, hook.LastEntry().Data["lines"])
}

func TestRecord_InvalidLabel(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "a.csv"), WithoutSync())
	require.NoError(t, err)
	defer l.Close()

	for _, label := range []string{"", "  ", "a,b", "line\nbreak"} {
		_, err := l.Record(label, at(1, 2, 3))
		assert.True(t, errors.Is(err, ErrInvalidLabel), "label %q", label)
	}
	assert.Equal(t, 0, l.Len())
}

func TestRecord_AfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "a.csv"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Record("gina", at(1, 1, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecord_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")
	l, err := Open(path, WithoutSync())
	require.NoError(t, err)
	defer l.Close()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Record("henry", at(9, 0, 0))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, added)
	assert.Equal(t, "henry,09:00:00\n", readAll(t, path))
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	records, err := ReadFile(filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	assert.Empty(t, records)

	path := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("ivy,13:00:00\njack,13:05:00\n"), 0644))
	records, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Record{{"ivy", "13:00:00"}, {"jack", "13:05:00"}}, records)

	require.NoError(t, Truncate(path))
	records, err = ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, records)
}
