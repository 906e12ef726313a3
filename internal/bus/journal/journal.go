package journal

// ============================================================================
// Append-only message journal
// 1. Append broker transitions as CRC-checked JSON lines
// 2. Replay them after the last snapshot to rebuild pending messages
// 3. Rotate the file once a snapshot covers its contents
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mxflow/pkg/types"
)

var log = slog.Default()

const defaultBufferSize = 256

// Journal is a write-ahead log of broker events.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	buffer  []Event
	closed  bool

	now func() time.Time
}

// Open creates or reopens the journal at path. Sequence numbering continues
// from the last intact record in the file.
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	var seq uint64
	intact, err := scan(path, func(e Event) error {
		seq = e.Seq
		return nil
	})
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := repairTail(path, intact); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		seq:     seq,
		opts:    opts,
		buffer:  make([]Event, 0, opts.BufferSize),
		now:     time.Now,
	}, nil
}

// Resume raises the sequence counter to at least seq. After a rotation the
// file is empty, so the broker passes the snapshot position here to keep
// numbering monotonic across restarts.
func (j *Journal) Resume(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Append records one event and returns its sequence number. With force or
// SyncOnAppend the record is on disk when Append returns.
func (j *Journal) Append(typ EventType, msg *types.Message, force bool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	event := Event{
		Seq:       j.seq,
		Type:      typ,
		MessageID: msg.ID,
		Timestamp: j.now().UnixMilli(),
	}
	if typ != EventAck {
		event.Message = msg.Clone()
	}
	event.Checksum = Checksum(event)
	j.buffer = append(j.buffer, event)

	if force || j.opts.SyncOnAppend || len(j.buffer) >= j.opts.BufferSize {
		if err := j.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// AppendTxn writes ops followed by a COMMIT record in a single write and
// fsyncs. A crash can leave a prefix of the records without their COMMIT;
// readers must ignore such a group.
func (j *Journal) AppendTxn(txnID string, ops []Op) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return j.seq, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	seq := j.seq
	ts := j.now().UnixMilli()
	write := func(typ EventType, msg *types.Message, id types.MessageID) error {
		seq++
		e := Event{Seq: seq, Type: typ, MessageID: id, Timestamp: ts, Txn: txnID}
		if msg != nil && typ != EventAck {
			e.Message = msg.Clone()
		}
		e.Checksum = Checksum(e)
		return enc.Encode(e)
	}
	for _, op := range ops {
		if err := write(op.Type, op.Message, op.Message.ID); err != nil {
			return j.seq, fmt.Errorf("journal: encode txn %s: %w", txnID, err)
		}
	}
	if err := write(EventCommit, nil, ""); err != nil {
		return j.seq, fmt.Errorf("journal: encode txn %s: %w", txnID, err)
	}

	if _, err := j.file.Write(buf.Bytes()); err != nil {
		return j.seq, fmt.Errorf("journal: write txn %s: %w", txnID, err)
	}
	if err := j.file.Sync(); err != nil {
		return j.seq, fmt.Errorf("journal: sync: %w", err)
	}
	j.seq = seq
	return seq, nil
}

// Flush writes buffered events and fsyncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay feeds every event with Seq > after to handler, in file order.
// A torn final line (crash mid-write) ends the replay without error.
func (j *Journal) Replay(after uint64, handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	_, err := scan(j.path, func(e Event) error {
		if e.Seq <= after {
			return nil
		}
		return handler(e)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Rotate moves the current file aside and starts an empty one. Sequence
// numbers keep counting.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	backup := fmt.Sprintf("%s.%s.%020d", j.path, j.now().Format("20060102_150405"), j.seq)
	if err := os.Rename(j.path, backup); err != nil {
		return fmt.Errorf("journal: rotate: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: reopen after rotate: %w", err)
	}
	j.file = file
	j.encoder = json.NewEncoder(file)

	if j.opts.KeepRotated > 0 {
		j.pruneLocked()
	}
	return nil
}

// Close flushes and closes the file. The journal is unusable afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	err := j.flushLocked()
	j.closed = true
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// LastSeq returns the sequence number of the most recent append.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the active journal file.
func (j *Journal) Path() string { return j.path }

// ============================================================================
// internal helpers
// ============================================================================

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return fmt.Errorf("journal: write seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

func (j *Journal) pruneLocked() {
	rotated, err := filepath.Glob(j.path + ".*")
	if err != nil {
		return
	}
	// names embed a timestamp, lexical order is chronological
	sort.Strings(rotated)
	for len(rotated) > j.opts.KeepRotated {
		if err := os.Remove(rotated[0]); err != nil {
			log.Warn("journal prune failed", "file", rotated[0], "err", err)
		}
		rotated = rotated[1:]
	}
}

// scan decodes path line by line, verifying each checksum. It returns the
// length of the intact prefix, which excludes a torn final record.
func scan(path string, fn func(Event) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return offset, fmt.Errorf("journal: read %s: %w", path, err)
		}
		atEOF := errors.Is(err, io.EOF)
		trimmed := bytes.TrimSpace(raw)

		if len(trimmed) > 0 {
			var event Event
			if derr := json.Unmarshal(trimmed, &event); derr != nil {
				if atEOF {
					log.Warn("journal: dropping torn final record", "path", path, "line", line)
					return offset, nil
				}
				return offset, &CorruptionError{Line: line, Offset: offset, Cause: derr}
			}
			if verr := Verify(event); verr != nil {
				if atEOF {
					log.Warn("journal: dropping torn final record", "path", path, "line", line, "err", verr)
					return offset, nil
				}
				return offset, verr
			}
			if ferr := fn(event); ferr != nil {
				return offset, ferr
			}
		}
		offset += int64(len(raw))
		if atEOF {
			return offset, nil
		}
	}
}

// repairTail cuts a torn final record and makes sure the intact prefix ends
// in a newline so new records start on a clean line.
func repairTail(path string, intact int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() > intact {
		log.Warn("journal: truncating torn tail", "path", path, "size", st.Size(), "intact", intact)
		if err := f.Truncate(intact); err != nil {
			return fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}
	if intact == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, intact-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err = f.WriteAt([]byte("\n"), intact)
	}
	return err
}
