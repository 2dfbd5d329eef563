package journal

// ============================================================================
// Job Journal
// Responsibility:
// 1. Append job state-change events to an append-only log file
// 2. Replay events to reconstruct the job table after a restart
// 3. Rotate the log after a snapshot claims its events
// 4. Guarantee write durability and record integrity
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = 1 * time.Second
)

// Journal is the append-only write-ahead log for job state changes. Rule:
// every state change is appended (and flushed when durable admission is
// required) before the in-memory job table is mutated.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	// Batched writes: events accumulate in buffer and are flushed when
	// the buffer fills, the flush interval elapses, or a caller forces it.
	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// New creates or opens a journal at path. When the file already exists the
// sequence counter continues from the last recorded event. The file is
// opened append-only so existing records are never overwritten.
func New(path string, syncOnAppend bool) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	var seq uint64
	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		if last, err := lastEvent(path); err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, defaultBufferSize),
		bufferSize:    defaultBufferSize,
		lastFlushTime: time.Now(),
		flushInterval: defaultFlushInterval,
	}, nil
}

// Append records one event. The sequence number, timestamp, and checksum
// are assigned here. With forceFlush (or syncOnAppend) the event is on
// disk when Append returns; otherwise it may sit in the batch buffer.
func (j *Journal) Append(event Event, forceFlush bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	event.Seq = j.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event.Type, event.JobID, event.Seq)

	j.buffer = append(j.buffer, event)

	needFlush := forceFlush || j.syncOnAppend ||
		len(j.buffer) >= j.bufferSize ||
		time.Since(j.lastFlushTime) > j.flushInterval

	if needFlush {
		return j.flushLocked()
	}
	return nil
}

// Replay reads the journal from the beginning, verifies each event's
// checksum, and hands it to handler. Stops at the first error.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedJournal, err)
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.JobID, event.Seq),
				Actual:   event.Checksum,
			}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate moves the current log aside (timestamped backup) and starts a
// fresh one. Called right after a snapshot is written, since the snapshot
// now carries everything the old log recorded.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(j.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return nil
}

// Close flushes and closes the journal. A closed journal must not be
// reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq returns the current event sequence number. Snapshots record it
// so recovery knows which journal events the snapshot already covers.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// flushLocked writes the buffered events and syncs to disk. Caller holds
// j.mu.
func (j *Journal) flushLocked() error {
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// lastEvent scans the file and returns the last decodable event, or nil
// when the file holds none.
func lastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		last = &event
	}
	return last, nil
}
