// Package docstore loads, saves and watches the schedule document file.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"homeschedule/internal/atomicfile"
	"homeschedule/internal/schedule"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrStorageUnavailable wraps read and write failures of the backing file
var ErrStorageUnavailable = errors.New("storage unavailable")

// DefaultDebounce is how long Watch waits for writes to settle
const DefaultDebounce = 250 * time.Millisecond

// FileStore keeps the schedule document as a YAML file
type FileStore struct {
	path     string
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.Mutex
	lastWrite []byte
}

// NewFileStore creates a store for path
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:     filepath.Clean(path),
		logger:   logger.Named("docstore"),
		debounce: DefaultDebounce,
	}
}

// SetDebounce changes the Watch settle delay
func (s *FileStore) SetDebounce(d time.Duration) {
	s.debounce = d
}

// Path returns the document file path
func (s *FileStore) Path() string { return s.path }

// Load reads and validates the document. A missing file yields an empty
// default document.
func (s *FileStore) Load(ctx context.Context) (*schedule.Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Schedule file not found, starting with an empty document", zap.String("path", s.path))
		return schedule.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrStorageUnavailable, s.path, err)
	}
	return Decode(data)
}

// Decode parses and validates a YAML document
func Decode(data []byte) (*schedule.Document, error) {
	doc := schedule.NewDocument()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse schedule document: %v", schedule.ErrInvalid, err)
	}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save writes the document atomically
func (s *FileStore) Save(ctx context.Context, doc *schedule.Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomicfile.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.lastWrite = data
	s.logger.Info("Saved schedule document", zap.String("path", s.path))
	return nil
}

// Watch calls onChange with each valid new version of the file until ctx is
// done. Invalid edits are logged and skipped; the store's own saves do not
// trigger onChange.
func (s *FileStore) Watch(ctx context.Context, onChange func(*schedule.Document)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors and atomic saves replace the file
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info("Watching schedule document", zap.String("path", s.path))
	go s.watchLoop(ctx, watcher, onChange)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*schedule.Document)) {
	defer watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			timerC = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("File watcher error", zap.Error(err))

		case <-timerC:
			timerC = nil
			s.reload(onChange)
		}
	}
}

func (s *FileStore) reload(onChange func(*schedule.Document)) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("Failed to read changed schedule document", zap.Error(err))
		return
	}

	s.mu.Lock()
	own := bytes.Equal(data, s.lastWrite)
	s.mu.Unlock()
	if own {
		return
	}

	doc, err := Decode(data)
	if err != nil {
		s.logger.Error("Rejected changed schedule document, keeping the current one", zap.Error(err))
		return
	}

	s.logger.Info("Schedule document changed on disk, reloading")
	onChange(doc)
}
