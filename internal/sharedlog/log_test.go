// ABOUTME: Tests for the shared append-only log
// ABOUTME: Covers offsets, torn final lines, corrupt lines, and concurrent appends

package sharedlog

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Kind string `json:"kind"`
	N    int    `json:"n"`
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestOpen_CreatesStreams(t *testing.T) {
	l := openTestLog(t)
	for _, s := range Streams {
		_, err := os.Stat(l.Path(s))
		assert.NoError(t, err, "stream %s", s)
	}
}

func TestAppendAndReadFrom(t *testing.T) {
	l := openTestLog(t)

	off0, err := l.Append(StreamMessages, record{Kind: "message", N: 1})
	require.NoError(t, err)
	assert.Zero(t, off0)

	off1, err := l.Append(StreamMessages, record{Kind: "delivered", N: 2})
	require.NoError(t, err)
	assert.Greater(t, off1, off0)

	entries, next, err := l.ReadFrom(StreamMessages, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "message", entries[0].Kind())
	assert.Equal(t, off1, entries[1].Offset)
	assert.Equal(t, int64(2), entries[1].Get("n").Int())

	var r record
	require.NoError(t, entries[1].Decode(&r))
	assert.Equal(t, "delivered", r.Kind)

	// Reading from the returned offset yields only new records.
	_, err = l.Append(StreamMessages, record{Kind: "message", N: 3})
	require.NoError(t, err)
	more, next2, err := l.ReadFrom(StreamMessages, next)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, int64(3), more[0].Get("n").Int())
	assert.Greater(t, next2, next)
}

func TestReadFrom_TornFinalLine(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(StreamTasks, record{Kind: "task", N: 1})
	require.NoError(t, err)

	f, err := os.OpenFile(l.Path(StreamTasks), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"task","n":`)
	require.NoError(t, err)

	entries, next, err := l.ReadFrom(StreamTasks, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The writer finishes the line; the next read picks it up from next.
	_, err = f.WriteString("2}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, _, err = l.ReadFrom(StreamTasks, next)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].Get("n").Int())
}

func TestReadFrom_SkipsCorruptLines(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, os.WriteFile(l.Path(StreamRegistry), []byte("not json\n{\"kind\":\"register\"}\n"), 0644))

	entries, _, err := l.ReadFrom(StreamRegistry, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "register", entries[0].Kind())
}

func TestReadFrom_OffsetBeyondEndRestarts(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(StreamMessages, record{Kind: "message"})
	require.NoError(t, err)

	entries, _, err := l.ReadFrom(StreamMessages, 1<<20)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppend_UnknownStream(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(Stream("bogus"), record{})
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestAppend_ConcurrentWritersFromTwoLogs(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	b, err := Open(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_, err := a.Append(StreamMessages, record{Kind: fmt.Sprintf("a-%d", n), N: n})
			assert.NoError(t, err)
		}(i)
		go func(n int) {
			defer wg.Done()
			_, err := b.Append(StreamMessages, record{Kind: fmt.Sprintf("b-%d", n), N: n})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := a.ReadAll(StreamMessages)
	require.NoError(t, err)
	assert.Len(t, entries, 100)
}
