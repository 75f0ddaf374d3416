package teamsync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const tokenFilePollInterval = 500 * time.Millisecond

var newTokenWatcher = fsnotify.NewWatcher

// FileTokenSource serves a bearer token from a file and hot-reloads it when
// the file is rewritten, so credential rotation does not require a restart.
// The parent directory is watched because editors and secret mounts replace
// the file by rename.
type FileTokenSource struct {
	path string

	mu    sync.RWMutex
	token string

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

func NewFileTokenSource(path string) (*FileTokenSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileTokenSource{
		path: path,
		done: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	watcher, err := newTokenWatcher()
	if err == nil {
		if addErr := watcher.Add(filepath.Dir(path)); addErr != nil {
			_ = watcher.Close()
			err = addErr
		}
	}
	if err != nil {
		log.Printf("teamsync: token file watcher unavailable, polling %s instead: %v", path, err)
		go s.pollLoop()
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *FileTokenSource) Provider() TokenProvider {
	return func(ctx context.Context) (string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.token == "" {
			return "", fmt.Errorf("token file %s is empty", s.path)
		}
		return s.token, nil
	}
}

func (s *FileTokenSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *FileTokenSource) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				log.Printf("teamsync: reloading token file %s: %v", s.path, err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("teamsync: token file watcher: %v", err)
		}
	}
}

// pollLoop is the fallback when no watcher could be started: stat the file on
// a ticker and reload when its mtime or size moves.
func (s *FileTokenSource) pollLoop() {
	var lastMod time.Time
	var lastSize int64
	if info, err := os.Stat(s.path); err == nil {
		lastMod = info.ModTime()
		lastSize = info.Size()
	}
	ticker := time.NewTicker(tokenFilePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) && info.Size() == lastSize {
				continue
			}
			lastMod = info.ModTime()
			lastSize = info.Size()
			if err := s.reload(); err != nil {
				log.Printf("teamsync: reloading token file %s: %v", s.path, err)
			}
		}
	}
}

func (s *FileTokenSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		// Keep the previous token through a truncate-then-write rotation.
		log.Printf("teamsync: token file %s is empty, keeping previous token", s.path)
		return nil
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}
