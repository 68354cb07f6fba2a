// Package events emits the optional progress event stream consumed by an
// external renderer. Events are purely observational and never mixed into the
// primary result payload.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/counsel-dev/counsel/internal/model"
)

// EventType discriminates progress events.
type EventType string

const (
	EventToolResponse EventType = "tool_response"
	EventCacheCheck   EventType = "cache_check"
	EventCacheSave    EventType = "cache_save"
	EventComplete     EventType = "complete"
)

// Event is one line of the progress stream.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Sink receives progress events. Implementations must tolerate concurrent
// calls; the parallel executor reports tool responses from several goroutines.
// A NopSink stands in when progress reporting is not wanted, so orchestration
// code never nil-checks its reporter.
type Sink interface {
	ToolResponse(resp model.ToolResponse)
	CacheCheck(key string, hit bool)
	CacheSave(key string)
	Complete(summary any)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ToolResponse(model.ToolResponse) {}
func (NopSink) CacheCheck(string, bool)         {}
func (NopSink) CacheSave(string)                {}
func (NopSink) Complete(any)                    {}

const (
	// DefaultMaxLogSize caps one progress log file before rotation (10MB).
	DefaultMaxLogSize = 10 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// JSONLSink appends line-delimited JSON events to a side-channel file,
// rotating into an archive directory when the file exceeds maxSize. Write
// failures are swallowed: progress reporting must never fail a consultation.
type JSONLSink struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	runID           string
	rotationCounter int
}

// NewJSONLSink opens (or creates) the progress log at logPath. runID tags
// every event for correlation across a run; it may be empty.
func NewJSONLSink(logPath, runID string, maxSize int64) (*JSONLSink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create progress log directory: %w", err)
	}

	s := &JSONLSink{logPath: logPath, runID: runID, maxSize: maxSize}
	if err := s.openLogFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLSink) openLogFile() error {
	file, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat progress log: %w", err)
	}
	s.file = file
	s.currentSize = stat.Size()
	return nil
}

func (s *JSONLSink) ToolResponse(resp model.ToolResponse) {
	s.emit(EventToolResponse, resp)
}

func (s *JSONLSink) CacheCheck(key string, hit bool) {
	s.emit(EventCacheCheck, map[string]any{"key": key, "hit": hit})
}

func (s *JSONLSink) CacheSave(key string) {
	s.emit(EventCacheSave, map[string]any{"key": key})
}

func (s *JSONLSink) Complete(summary any) {
	s.emit(EventComplete, summary)
}

func (s *JSONLSink) emit(eventType EventType, data any) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		EventID:   uuid.NewString(),
		RunID:     s.runID,
		Data:      data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	// An oversized first line is written as-is; rotating an empty file would
	// just archive zero bytes.
	if s.currentSize > 0 && s.currentSize+int64(len(line)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return
		}
	}
	n, err := s.file.Write(line)
	if err != nil {
		return
	}
	s.currentSize += int64(n)
}

func (s *JSONLSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close progress log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(s.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	s.rotationCounter++
	base := filepath.Base(s.logPath)
	name := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(logFileExtension)], timestamp, s.rotationCounter, logFileExtension)
	if err := os.Rename(s.logPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive progress log: %w", err)
	}

	return s.openLogFile()
}

// Close flushes and releases the log file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}
