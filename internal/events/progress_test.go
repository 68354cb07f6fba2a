package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/counsel-dev/counsel/internal/model"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open progress log: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("malformed event line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan progress log: %v", err)
	}
	return events
}

func TestJSONLSink_EmitsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")
	sink, err := NewJSONLSink(path, "run-123", 0)
	if err != nil {
		t.Fatal(err)
	}

	sink.ToolResponse(model.ToolResponse{Tool: "gemini", Status: model.StatusSuccess})
	sink.CacheCheck("abc", true)
	sink.CacheSave("abc")
	sink.Complete(map[string]string{"state": "succeeded"})
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, path)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	wantTypes := []EventType{EventToolResponse, EventCacheCheck, EventCacheSave, EventComplete}
	seen := make(map[string]bool)
	for i, e := range events {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, e.Type, wantTypes[i])
		}
		if e.RunID != "run-123" {
			t.Errorf("event %d run id = %q", i, e.RunID)
		}
		if e.EventID == "" || seen[e.EventID] {
			t.Errorf("event %d has missing or duplicate event id %q", i, e.EventID)
		}
		seen[e.EventID] = true
		if e.Timestamp.IsZero() {
			t.Errorf("event %d has zero timestamp", i)
		}
	}
}

func TestJSONLSink_AppendsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")

	first, err := NewJSONLSink(path, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	first.CacheSave("k1")
	first.Close()

	second, err := NewJSONLSink(path, "run-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	second.CacheSave("k2")
	second.Close()

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].RunID != "run-1" || events[1].RunID != "run-2" {
		t.Fatalf("run ids = %q, %q", events[0].RunID, events[1].RunID)
	}
}

func TestJSONLSink_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.jsonl")

	// A tiny cap forces a rotation on nearly every write.
	sink, err := NewJSONLSink(path, "run", 300)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		sink.CacheSave("key-key-key-key-key-key-key-key")
	}
	sink.Close()

	archived, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("archive dir missing: %v", err)
	}
	if len(archived) == 0 {
		t.Fatal("no rotated log files in archive")
	}
	for _, e := range archived {
		if filepath.Ext(e.Name()) != ".jsonl" {
			t.Errorf("archived file %q lacks .jsonl extension", e.Name())
		}
	}

	// The live file is still valid JSONL after rotation.
	readEvents(t, path)
}

func TestJSONLSink_OversizedLineNeverArchivesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.jsonl")

	// Every event line exceeds the cap, so each write would trigger rotation.
	sink, err := NewJSONLSink(path, "run", 10)
	if err != nil {
		t.Fatal(err)
	}
	sink.CacheSave("first")
	sink.CacheSave("second")
	sink.Close()

	// The first write lands in the fresh file instead of rotating zero bytes.
	archived, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("archive dir missing: %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("got %d archived files, want 1", len(archived))
	}
	for _, e := range archived {
		info, err := e.Info()
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() == 0 {
			t.Errorf("archived file %q is empty", e.Name())
		}
	}

	if events := readEvents(t, path); len(events) != 1 {
		t.Fatalf("live file has %d events, want 1", len(events))
	}
}

func TestJSONLSink_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")
	sink, err := NewJSONLSink(path, "run", 0)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.ToolResponse(model.ToolResponse{Tool: "t", Status: model.StatusTimeout})
		}()
	}
	wg.Wait()
	sink.Close()

	// Interleaved writers must still produce one valid JSON document per line.
	events := readEvents(t, path)
	if len(events) != 20 {
		t.Fatalf("got %d events, want 20", len(events))
	}
}

func TestNopSink(t *testing.T) {
	var sink Sink = NopSink{}
	sink.ToolResponse(model.ToolResponse{})
	sink.CacheCheck("k", false)
	sink.CacheSave("k")
	sink.Complete(nil)
}
