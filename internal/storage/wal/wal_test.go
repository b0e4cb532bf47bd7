package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T, opts Options) *WAL {
	t.Helper()
	w, err := NewWAL(filepath.Join(t.TempDir(), "journal", "mutations.wal"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func rec(id string) Record {
	return Record{MutationID: id, Kind: types.KindIncidentCreate}
}

func TestAppendAndReplay(t *testing.T) {
	w := newTestWAL(t, Options{})

	require.NoError(t, w.Append(EventEnqueue, rec("m-1"), false))
	require.NoError(t, w.Append(EventFailed, Record{MutationID: "m-1", Kind: types.KindIncidentCreate, Attempt: 1, Detail: "timeout"}, false))
	require.NoError(t, w.Append(EventDelivered, rec("m-1"), false))

	var got []Event
	require.NoError(t, w.Replay(func(e Event) error {
		got = append(got, e)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, []EventType{EventEnqueue, EventFailed, EventDelivered},
		[]EventType{got[0].Type, got[1].Type, got[2].Type})
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, "timeout", got[1].Detail)
	assert.Equal(t, 1, got[1].Attempt)
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	w := newTestWAL(t, Options{SyncOnAppend: true})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Append(EventEnqueue, rec(id), false))
	}

	stop := errors.New("stop")
	seen := 0
	err := w.Replay(func(e Event) error {
		seen++
		if e.MutationID == "b" {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestReplay_DetectsTampering(t *testing.T) {
	w := newTestWAL(t, Options{SyncOnAppend: true})
	require.NoError(t, w.Append(EventEnqueue, rec("m-1"), false))

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "m-1", "m-9", 1)
	require.NoError(t, os.WriteFile(w.Path(), []byte(tampered), 0o644))

	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var cerr *ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(1), cerr.Seq)
}

func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.wal")

	w, err := NewWAL(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append(EventEnqueue, rec("a"), false))
	require.NoError(t, w.Append(EventEnqueue, rec("b"), false))
	require.NoError(t, w.Close())

	w, err = NewWAL(path, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(2), w.GetLastSeq())

	require.NoError(t, w.Append(EventDelivered, rec("a"), true))
	assert.NoError(t, ValidateWAL(path))
}

func TestRotate(t *testing.T) {
	w := newTestWAL(t, Options{})
	require.NoError(t, w.Append(EventEnqueue, rec("a"), false))
	require.NoError(t, w.Rotate())
	assert.Equal(t, uint64(0), w.GetLastSeq())

	count, err := CountEvents(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	matches, err := filepath.Glob(w.Path() + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "rotated file should be archived")

	require.NoError(t, w.Append(EventEnqueue, rec("b"), true))
	last, err := GetLastEvent(w.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
	assert.Equal(t, "b", last.MutationID)
}

func TestClosedWAL(t *testing.T) {
	w := newTestWAL(t, Options{})
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EventEnqueue, rec("a"), false), ErrWALClosed)
	assert.NoError(t, w.Close(), "second close is a no-op")
}

func TestStatsAndDump(t *testing.T) {
	w := newTestWAL(t, Options{})
	require.NoError(t, w.Append(EventEnqueue, rec("a"), false))
	require.NoError(t, w.Append(EventEnqueue, rec("b"), false))
	require.NoError(t, w.Append(EventDrop, Record{MutationID: "a", Kind: types.KindIncidentCreate, Detail: "evicted"}, true))

	// 附加一行損壞資料
	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := GetWALStats(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventTypes[EventEnqueue])
	assert.Equal(t, 1, stats.EventTypes[EventDrop])
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.Equal(t, 1, stats.CorruptedCount)
	assert.LessOrEqual(t, stats.TimeRange[0], stats.TimeRange[1])

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(w.Path(), &buf))
	out := buf.String()
	assert.Contains(t, out, "[Seq:1] ENQUEUE incident_create a")
	assert.Contains(t, out, `"evicted"`)
	assert.Contains(t, out, "CORRUPTED")

	assert.ErrorIs(t, ValidateWAL(w.Path()), ErrCorruptedWAL)
}

func TestGetLastEvent_Empty(t *testing.T) {
	w := newTestWAL(t, Options{})
	_, err := GetLastEvent(w.Path())
	assert.ErrorIs(t, err, ErrEmptyWAL)
}
