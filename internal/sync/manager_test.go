package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/inbox-ledger/internal/extract"
	"github.com/Martian-dev/inbox-ledger/internal/sink"
)

func TestManagerRefusesOverlappingRunsOnSameSink(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)

	src := history()
	src.block = make(chan struct{})
	r, _ := newRunner(src, sink.NewMemorySheet("data"))
	require.NoError(t, m.Add(r))

	require.NoError(t, m.Start(context.Background(), "visits", false))
	assert.True(t, m.IsRunning("visits"))
	assert.Equal(t, []string{"visits"}, m.Running())

	_, err := m.Run(context.Background(), "visits")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(src.block)
	require.Eventually(t, func() bool { return !m.IsRunning("visits") }, time.Second, 5*time.Millisecond)

	last, ok := m.Last("visits")
	require.True(t, ok)
	assert.NoError(t, last.Err)
	assert.Equal(t, 3, last.Appended)
}

func TestManagerSharedSinkAcrossKinds(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)

	slow := history()
	slow.block = make(chan struct{})
	defer close(slow.block)
	a, _ := newRunner(slow, sink.NewMemorySheet("data"))
	b, _ := newRunner(history(), sink.NewMemorySheet("data"))
	b.Profile.Kind = "visits-b"
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))

	require.NoError(t, m.Start(context.Background(), "visits", false))
	_, err := m.Resync(context.Background(), "visits-b")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestManagerUnknownKind(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)
	_, err := m.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, extract.ErrUnknownKind)
	assert.ErrorIs(t, m.Start(context.Background(), "nope", true), extract.ErrUnknownKind)
}

func TestManagerRunAllContinuesPastFailures(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)

	broken := history()
	broken.fail = []error{errors.New("down"), errors.New("down")}
	a, _ := newRunner(broken, sink.NewMemorySheet("data"))
	a.Profile.Kind = "a"
	a.SinkID = "a"
	b, _ := newRunner(history(), sink.NewMemorySheet("data"))
	b.Profile.Kind = "b"
	b.SinkID = "b"
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))
	require.Error(t, m.Add(b))

	reports := m.RunAll(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, "a", reports[0].Source)
	assert.Error(t, reports[0].Err)
	assert.Equal(t, "b", reports[1].Source)
	assert.NoError(t, reports[1].Err)
	assert.Equal(t, []string{"a", "b"}, m.Kinds())
}

func TestManagerStopAllCancelsBackgroundRuns(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)

	src := history()
	src.block = make(chan struct{})
	r, _ := newRunner(src, sink.NewMemorySheet("data"))
	require.NoError(t, m.Add(r))
	require.NoError(t, m.Start(context.Background(), "visits", false))

	m.StopAll()
	require.Eventually(t, func() bool { return !m.IsRunning("visits") }, time.Second, 5*time.Millisecond)
	last, _ := m.Last("visits")
	assert.Error(t, last.Err)
	assert.Zero(t, last.Appended)
}

func TestManagerStopAllWaitsForRunsToFinish(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)

	src := history()
	src.block = make(chan struct{})
	r, ledger := newRunner(src, sink.NewMemorySheet("data"))
	require.NoError(t, m.Add(r))
	require.NoError(t, m.Start(context.Background(), "visits", false))

	m.StopAll()

	// the canceled run has already been recorded when StopAll returns
	require.Len(t, ledger.runs, 1)
	assert.Error(t, ledger.runs[0].Err)
	assert.False(t, m.IsRunning("visits"))

	_, err := m.Run(context.Background(), "visits")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, m.Start(context.Background(), "visits", true), ErrStopped)
	assert.Empty(t, m.RunAll(context.Background()))
}

func TestManagerFinishedRunKeepsNewerCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(log)
	r, _ := newRunner(history(), sink.NewMemorySheet("data"))
	require.NoError(t, m.Add(r))

	older := &bgRun{cancel: func() {}}
	canceled := false
	newer := &bgRun{cancel: func() { canceled = true }}

	require.NoError(t, m.acquire(r))
	m.cancels["visits"] = older
	m.release(r, older, Report{Source: "visits"})
	assert.NotContains(t, m.cancels, "visits")

	// a newer run registered before the older one finishes
	require.NoError(t, m.acquire(r))
	m.cancels["visits"] = newer
	m.release(r, older, Report{Source: "visits"})
	assert.Same(t, newer, m.cancels["visits"])

	m.StopAll()
	assert.True(t, canceled)
}
