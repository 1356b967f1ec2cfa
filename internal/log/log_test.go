package log

import (
	"testing"
	"time"

	"github.com/mrshabel/gumraft/internal/workqueue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{BlockSize: 64, BlocksPerSegment: 4, MaxIndexEntries: 4, PoolTargetSize: 2}
}

// appendSync drives the loop until an async Append resolves, so tests don't
// need to hand-roll the completion wiring the protocol engine would
// otherwise provide.
func appendSync(t *testing.T, l *Log, e Entry) (uint64, error) {
	t.Helper()
	var idx uint64
	var aerr error
	done := false
	l.Append(e, func(i uint64, err error) {
		idx, aerr = i, err
		done = true
	})
	require.Eventually(t, func() bool {
		l.loop.RunOnce()
		return done
	}, time.Second, time.Millisecond)
	return idx, aerr
}

func closeSync(t *testing.T, l *Log) error {
	t.Helper()
	var cerr error
	done := false
	l.Close(func(err error) {
		cerr = err
		done = true
	})
	require.Eventually(t, func() bool {
		l.loop.RunOnce()
		return done
	}, time.Second, time.Millisecond)
	return cerr
}

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	loop := workqueue.NewLoop()
	l, err := Open(dir, testConfig(), loop, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestLogAppendRead(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	idx, err := appendSync(t, l, Entry{Term: 1, Type: EntryCommand, Payload: []byte("hello world")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	got, err := l.Get(idx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got.Payload)
}

func TestLogGetOutOfRange(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	_, err := l.Get(1)
	require.Error(t, err)
}

func TestLogSpansSegmentsAndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	const n = 12
	for i := 0; i < n; i++ {
		idx, err := appendSync(t, l, Entry{Term: 1, Type: EntryCommand, Payload: []byte("x")})
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), idx)
	}
	require.Equal(t, uint64(n), l.LastIndex())
	require.NoError(t, closeSync(t, l))

	reopened := openTestLog(t, dir)
	require.Equal(t, uint64(n), reopened.LastIndex())
	for i := 1; i <= n; i++ {
		e, err := reopened.Get(uint64(i))
		require.NoError(t, err)
		require.Equal(t, []byte("x"), e.Payload)
	}
}

func TestLogTruncateSuffix(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := 0; i < 5; i++ {
		_, err := appendSync(t, l, Entry{Term: 1, Type: EntryCommand, Payload: []byte("x")})
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateSuffix(3))
	require.Equal(t, uint64(2), l.LastIndex())
	_, err := l.Get(3)
	require.Error(t, err)
}

func TestLogTruncatePrefix(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := 0; i < 12; i++ {
		_, err := appendSync(t, l, Entry{Term: 1, Type: EntryCommand, Payload: []byte("x")})
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncatePrefix(4))
	require.Equal(t, uint64(5), l.FirstIndex())
}

func TestLogCurrentTermAndVotedForPersist(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	require.NoError(t, l.SetTermAndVote(5, 42))
	require.Equal(t, uint64(5), l.CurrentTerm())
	require.Equal(t, uint64(42), l.VotedFor())
	require.NoError(t, closeSync(t, l))

	reopened := openTestLog(t, dir)
	require.Equal(t, uint64(5), reopened.CurrentTerm())
	require.Equal(t, uint64(42), reopened.VotedFor())
}

func TestLogMatches(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	idx, err := appendSync(t, l, Entry{Term: 3, Type: EntryCommand, Payload: []byte("x")})
	require.NoError(t, err)
	require.True(t, l.Matches(idx, 3))
	require.False(t, l.Matches(idx, 4))
	require.False(t, l.Matches(idx+1, 3))
}
