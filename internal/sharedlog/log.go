// ABOUTME: Shared append-only log: one JSON record per line in per-stream files
// ABOUTME: Appends take an in-process mutex plus an advisory flock; reads take no lock

package sharedlog

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
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sys/unix"
)

// Stream names one file in the log directory.
type Stream string

const (
	StreamRegistry Stream = "registry"
	StreamMessages Stream = "messages"
	StreamTasks    Stream = "tasks"
)

// Streams lists every stream the log manages.
var Streams = []Stream{StreamRegistry, StreamMessages, StreamTasks}

// File returns the stream's file name.
func (s Stream) File() string {
	return string(s) + ".jsonl"
}

// ErrUnknownStream is returned for a stream name outside Streams.
var ErrUnknownStream = errors.New("unknown stream")

// Entry is one complete line read from a stream.
type Entry struct {
	Offset int64           // byte offset where the line starts
	Raw    json.RawMessage // the record, without the trailing newline
}

// Kind returns the record's "kind" field, or "" when absent.
func (e Entry) Kind() string {
	return gjson.GetBytes(e.Raw, "kind").String()
}

// Get extracts a field by gjson path.
func (e Entry) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Raw, path)
}

// Decode unmarshals the record into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Log is a directory of append-only JSONL streams shared by every agent on a
// host (or a shared filesystem).
type Log struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes appends from this process
}

// Open prepares dir and creates any missing stream files.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	for _, s := range Streams {
		f, err := os.OpenFile(filepath.Join(dir, s.File()), os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("creating stream %s: %w", s, err)
		}
		f.Close()
	}
	return &Log{
		dir:    dir,
		logger: slog.Default().With("component", "sharedlog"),
	}, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

// Path returns the file backing stream.
func (l *Log) Path(s Stream) string {
	return filepath.Join(l.dir, s.File())
}

func checkStream(s Stream) error {
	for _, known := range Streams {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownStream, s)
}

// Append writes v as one JSON line and returns the offset it was written at.
func (l *Log) Append(s Stream, v any) (int64, error) {
	if err := checkStream(s); err != nil {
		return 0, err
	}
	line, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.Path(s), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening stream %s: %w", s, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking stream %s: %w", s, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat stream %s: %w", s, err)
	}
	offset := info.Size()

	if _, err := f.Write(line); err != nil {
		return 0, fmt.Errorf("appending to stream %s: %w", s, err)
	}
	return offset, nil
}

// ReadFrom returns every complete record at or after offset and the offset
// just past the last one. A final line without its newline is a write in
// progress and is left for the next read. Lines that are not valid JSON are
// skipped.
func (l *Log) ReadFrom(s Stream, offset int64) ([]Entry, int64, error) {
	if err := checkStream(s); err != nil {
		return nil, offset, err
	}
	f, err := os.Open(l.Path(s))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("opening stream %s: %w", s, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat stream %s: %w", s, err)
	}
	if offset > info.Size() {
		l.logger.Warn("stream shorter than stored offset, rereading from start",
			"stream", s, "offset", offset, "size", info.Size())
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seeking stream %s: %w", s, err)
	}

	var entries []Entry
	r := bufio.NewReader(f)
	pos := offset
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Torn or in-flight final line: do not consume it.
			break
		}
		if err != nil {
			return entries, pos, fmt.Errorf("reading stream %s: %w", s, err)
		}

		start := pos
		pos += int64(len(line))
		raw := bytes.TrimSpace(line)
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			l.logger.Warn("skipping corrupt record", "stream", s, "offset", start)
			continue
		}
		entries = append(entries, Entry{Offset: start, Raw: json.RawMessage(raw)})
	}
	return entries, pos, nil
}

// ReadAll returns every complete record in the stream.
func (l *Log) ReadAll(s Stream) ([]Entry, error) {
	entries, _, err := l.ReadFrom(s, 0)
	return entries, err
}
