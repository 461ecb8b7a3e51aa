package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Persister is the durable storage collaborator for session records.
// Writes are best-effort snapshots for restart recovery; the in-memory
// index stays authoritative when a write fails.
type Persister interface {
	Write(s *Session)
	LoadAll() ([]*Session, error)
	Close() error
}

// FileStore persists one JSON file per session record, named by session id,
// written asynchronously off a buffered queue.
type FileStore struct {
	dir    string
	writes chan *Session
	wg     sync.WaitGroup
	once   sync.Once
}

// NewFileStore creates the store directory and starts the writer goroutine.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	f := &FileStore{
		dir:    dir,
		writes: make(chan *Session, 256),
	}
	f.wg.Add(1)
	go f.writeLoop()
	return f, nil
}

// Write enqueues a snapshot for persistence. It never blocks; when the
// queue is full the snapshot is dropped with a warning.
func (f *FileStore) Write(s *Session) {
	select {
	case f.writes <- s:
	default:
		log.Printf("WARN: session write queue full, dropping snapshot for %s", s.ID)
	}
}

func (f *FileStore) writeLoop() {
	defer f.wg.Done()
	for s := range f.writes {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			log.Printf("WARN: failed to encode session %s: %v", s.ID, err)
			continue
		}
		path := filepath.Join(f.dir, s.ID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Printf("WARN: failed to persist session %s: %v", s.ID, err)
		}
	}
}

// LoadAll reads every session record in the directory. Unreadable records
// are skipped with a warning so one corrupt file cannot block startup.
func (f *FileStore) LoadAll() ([]*Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session dir: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			log.Printf("WARN: failed to read session record %s: %v", entry.Name(), err)
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			log.Printf("WARN: failed to decode session record %s: %v", entry.Name(), err)
			continue
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// Close drains the write queue and stops the writer goroutine.
func (f *FileStore) Close() error {
	f.once.Do(func() { close(f.writes) })
	f.wg.Wait()
	return nil
}
