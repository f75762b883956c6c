package wal

// ============================================================================
// WAL core
// Responsibility:
// 1. Append events to the log file (append-only)
// 2. Replay events to rebuild state
// 3. Rotate the log once a snapshot covers it
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FileInterface defines the file operations the WAL needs.
// This allows mocking file operations in tests.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is a Write-Ahead Log instance
type WAL struct {
	mu           sync.Mutex    // Protects concurrent writes
	file         FileInterface // WAL file
	encoder      *json.Encoder // JSON encoder
	path         string        // WAL file path
	seq          uint64        // Current event sequence number
	syncOnAppend bool          // Force sync on every append
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

var log = slog.With("component", "wal")

// NewWAL creates or opens a WAL.
//
// If the file exists, the sequence continues after its last event. The file
// is opened with O_APPEND so writes never overwrite.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: 100 * time.Millisecond,
	}, nil
}

// Append adds an event to the WAL and returns its sequence number.
//
// The event is buffered; it reaches the file when forceFlush is set, the
// buffer fills, the flush interval elapsed or syncOnAppend is on.
func (w *WAL) Append(op Op, path string, data []byte, version int64, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}
	w.seq++
	event := Event{
		Seq:       w.seq,
		Op:        op,
		Path:      path,
		Data:      data,
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Replay reads every event from the start of the file, verifies it and
// hands it to handler.
//
// A torn final record (crash during write) ends the replay without error.
// Any other decode failure or a checksum mismatch aborts it.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	var lastSeq uint64
	for {
		offset := decoder.InputOffset()
		var event Event
		err := decoder.Decode(&event)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn("Ignoring torn WAL tail", "path", path, "offset", offset, "last_seq", lastSeq)
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}

// Rotate replaces the log with an empty file. Sequence numbers keep
// counting so events written after a snapshot always sort after it.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// Advance moves the sequence forward to at least seq. Used after loading a
// snapshot whose covered events were rotated away.
func (w *WAL) Advance(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Flush writes buffered events and syncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close flushes and closes the WAL. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq returns the current event sequence number.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// flushLocked writes buffered events in one batch and syncs.
// Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
