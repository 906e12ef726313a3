package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/mxflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(id string) *types.Message {
	return &types.Message{
		ID:      types.MessageID(id),
		Channel: "per_image_analysis",
		Header:  map[string]string{"dcid": "42"},
		Body:    json.RawMessage(`{"file_number": 7, "note": "<a&b>"}`),
		Status:  types.StatusPending,
	}
}

func openTestJournal(t *testing.T, opts Options) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.journal")
	j, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func collect(t *testing.T, j *Journal, after uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, j.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	j, _ := openTestJournal(t, Options{})

	seq, err := j.Append(EventPublish, newTestMessage("m1"), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = j.Append(EventPublish, newTestMessage("m2"), false)
	require.NoError(t, err)
	_, err = j.Append(EventAck, newTestMessage("m1"), true)
	require.NoError(t, err)

	events := collect(t, j, 0)
	require.Len(t, events, 3)
	assert.Equal(t, EventPublish, events[0].Type)
	assert.Equal(t, types.MessageID("m1"), events[0].MessageID)
	require.NotNil(t, events[0].Message)
	assert.JSONEq(t, `{"file_number": 7, "note": "<a&b>"}`, string(events[0].Message.Body))
	assert.Equal(t, "42", events[0].Message.Header["dcid"])

	// ACK records carry only the id
	assert.Equal(t, EventAck, events[2].Type)
	assert.Nil(t, events[2].Message)

	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NoError(t, Verify(e))
	}
}

func TestReplaySkipsCoveredEvents(t *testing.T) {
	j, _ := openTestJournal(t, Options{SyncOnAppend: true})
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := j.Append(EventPublish, newTestMessage(id), false)
		require.NoError(t, err)
	}

	events := collect(t, j, 2)
	require.Len(t, events, 2)
	assert.Equal(t, types.MessageID("c"), events[0].MessageID)
	assert.Equal(t, types.MessageID("d"), events[1].MessageID)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.journal")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := j.Append(EventPublish, newTestMessage("m"), false)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(3), j.LastSeq())

	seq, err := j.Append(EventAck, newTestMessage("m"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestAppendAfterClose(t *testing.T) {
	j, _ := openTestJournal(t, Options{})
	require.NoError(t, j.Close())
	_, err := j.Append(EventPublish, newTestMessage("m"), true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, j.Close(), "double close is a no-op")
}

func TestRotateKeepsNumbering(t *testing.T) {
	j, path := openTestJournal(t, Options{KeepRotated: 1})

	_, err := j.Append(EventPublish, newTestMessage("m1"), false)
	require.NoError(t, err)
	require.NoError(t, j.Rotate())

	assert.Empty(t, collect(t, j, 0))
	seq, err := j.Append(EventPublish, newTestMessage("m2"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	require.NoError(t, j.Rotate())
	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1, "older segments are pruned")
	assert.True(t, strings.HasSuffix(rotated[0], "00000000000000000002"))
}

func TestResumeRaisesSequence(t *testing.T) {
	j, _ := openTestJournal(t, Options{})
	j.Resume(41)
	seq, err := j.Append(EventPublish, newTestMessage("m"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	j.Resume(10)
	assert.Equal(t, uint64(42), j.LastSeq())
}

func TestTornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.journal")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append(EventPublish, newTestMessage("m1"), true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"PUBL`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())

	_, err = j.Append(EventPublish, newTestMessage("m2"), true)
	require.NoError(t, err)
	events := collect(t, j, 0)
	require.Len(t, events, 2)
	assert.Equal(t, types.MessageID("m2"), events[1].MessageID)
}

func TestCorruptionIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.journal")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append(EventPublish, newTestMessage("m1"), true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("garbage line", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.journal")
		require.NoError(t, os.WriteFile(bad, append([]byte("not json\n"), data...), 0o644))
		_, err := Open(bad, Options{})
		assert.ErrorIs(t, err, ErrCorrupted)
		var cerr *CorruptionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, 1, cerr.Line)
	})

	t.Run("tampered record", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.journal")
		tampered := strings.Replace(string(data), `"channel":"per_image_analysis"`, `"channel":"elsewhere"`, 1)
		require.NotEqual(t, string(data), tampered)
		require.NoError(t, os.WriteFile(bad, []byte(tampered+string(data)), 0o644))
		_, err := Open(bad, Options{})
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})
}

func TestReadStats(t *testing.T) {
	j, path := openTestJournal(t, Options{})
	_, _ = j.Append(EventPublish, newTestMessage("m1"), false)
	_, _ = j.Append(EventRequeue, newTestMessage("m1"), false)
	_, _ = j.Append(EventAck, newTestMessage("m1"), true)

	st, err := ReadStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Events)
	assert.Equal(t, uint64(1), st.FirstSeq)
	assert.Equal(t, uint64(3), st.LastSeq)
	assert.Equal(t, 1, st.ByType[EventRequeue])

	missing, err := ReadStats(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Zero(t, missing.Events)
}

func TestAppendTxnWritesCommitRecord(t *testing.T) {
	j, path := openTestJournal(t, Options{})
	_, err := j.Append(EventPublish, newTestMessage("before"), false)
	require.NoError(t, err)

	seq, err := j.AppendTxn("txn-1", []Op{
		{Type: EventAck, Message: newTestMessage("before")},
		{Type: EventPublish, Message: newTestMessage("out-1")},
		{Type: EventPublish, Message: newTestMessage("out-2")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq, "buffered record, three ops and the commit")
	assert.Equal(t, uint64(5), j.LastSeq())

	events := collect(t, j, 0)
	require.Len(t, events, 5)
	assert.Empty(t, events[0].Txn)
	for _, e := range events[1:] {
		assert.Equal(t, "txn-1", e.Txn)
	}
	assert.Equal(t, EventCommit, events[4].Type)
	assert.Nil(t, events[1].Message, "ack records carry no message")

	st, err := ReadStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ByType[EventCommit])
}
