package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileTimeLayout = "20060102T150405"

// FileSink persists events as line-delimited JSON, one file per rotation
// interval. Files are named events-<start>.jsonl and sort
// lexicographically in commit order.
type FileSink struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	file     *os.File
	w        *bufio.Writer
	opened   time.Time
	clock    func() time.Time
}

// NewFileSink creates the directory if needed. interval <= 0 disables
// rotation (single file).
func NewFileSink(dir string, interval time.Duration) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &FileSink{dir: dir, interval: interval, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *FileSink) WithClock(clock func() time.Time) *FileSink {
	s.clock = clock
	return s
}

func (s *FileSink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotateLocked(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event seq=%d: %w", e.Seq, err)
	}
	if _, err := s.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write event seq=%d: %w", e.Seq, err)
	}
	// Flush per event: the log is the audit trail, losing buffered tail
	// records on crash is worse than the syscall cost.
	return s.w.Flush()
}

func (s *FileSink) rotateLocked() error {
	now := s.clock().UTC()
	if s.file != nil && (s.interval <= 0 || now.Sub(s.opened) < s.interval) {
		return nil
	}
	if s.file != nil {
		if err := s.w.Flush(); err != nil {
			return err
		}
		if err := s.file.Close(); err != nil {
			return err
		}
	}
	name := fmt.Sprintf("events-%s.jsonl", now.Format(fileTimeLayout))
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open event log file: %w", err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	s.opened = now
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadDir loads every event from a log directory in sequence order,
// applying the filter. It tolerates a trailing partial line (crash during
// write) but fails on any other malformed record.
func ReadDir(dir string, f Filter) ([]Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read event log dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "events-") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Event
	for _, name := range names {
		events, err := readFile(filepath.Join(dir, name), f)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func readFile(path string, f Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []Event
	var pending error // decode failure held back until we know it was not the final line
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		if pending != nil {
			return nil, pending
		}
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			pending = fmt.Errorf("%s:%d: malformed event: %w", path, line, err)
			continue
		}
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	// A pending error on the final line is an interrupted write; drop it.
	return out, nil
}
