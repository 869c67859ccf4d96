// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package filepool tracks file read/edit mtimes so write-class tools can
// detect external modifications (stale writes) and the context manager
// can recover recently-accessed file content before compression.
package filepool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrStaleWrite indicates the target file changed on disk since the
// agent last read or edited it.
var ErrStaleWrite = errors.New("filepool: file modified externally since last read")

// FS abstracts the sandbox filesystem the pool observes.
type FS interface {
	// MTime returns the file's modification time. exists is false when
	// the file is absent (not an error).
	MTime(path string) (mtime time.Time, exists bool, err error)
	// ReadFile returns the file content.
	ReadFile(path string) ([]byte, error)
}

// OSFS is the host filesystem.
type OSFS struct{}

func (OSFS) MTime(path string) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Entry is the tracked state of one file.
type Entry struct {
	Path           string
	LastRead       time.Time
	LastEdit       time.Time
	LastReadMTime  time.Time
	LastEditMTime  time.Time
	LastKnownMTime time.Time
}

// lastAccess is the more recent of read and edit, used to rank files for
// compression recovery.
func (e *Entry) lastAccess() time.Time {
	if e.LastEdit.After(e.LastRead) {
		return e.LastEdit
	}
	return e.LastRead
}

// Pool tracks per-file access state. All methods are safe for concurrent
// use.
type Pool struct {
	fsys     FS
	logger   *zap.Logger
	onChange func(path string)

	mu      sync.Mutex
	files   map[string]*Entry
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithFS replaces the host filesystem, e.g. with a sandbox view.
func WithFS(fsys FS) Option {
	return func(p *Pool) { p.fsys = fsys }
}

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithChangeCallback registers a callback fired when the platform
// watcher observes an external modification to a tracked file.
func WithChangeCallback(f func(path string)) Option {
	return func(p *Pool) { p.onChange = f }
}

// SetChangeCallback replaces the change callback. The agent uses this to
// route watcher notifications onto its event bus.
func (p *Pool) SetChangeCallback(f func(path string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = f
}

// New creates a file pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		fsys:   OSFS{},
		logger: zap.NewNop(),
		files:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartWatcher attaches an fsnotify watcher that keeps LastKnownMTime
// current and fires the change callback. Optional; without it mtimes are
// checked lazily on validation.
func (p *Pool) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	p.mu.Lock()
	p.watcher = watcher
	p.done = make(chan struct{})
	for path := range p.files {
		if err := watcher.Add(path); err != nil {
			p.logger.Debug("watch add failed", zap.String("path", path), zap.Error(err))
		}
	}
	p.mu.Unlock()

	go p.watchLoop(watcher)
	return nil
}

func (p *Pool) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			mtime, exists, err := p.fsys.MTime(ev.Name)
			if err != nil {
				p.logger.Debug("stat after change failed", zap.String("path", ev.Name), zap.Error(err))
				continue
			}
			p.mu.Lock()
			entry, tracked := p.files[ev.Name]
			if tracked && exists {
				entry.LastKnownMTime = mtime
			}
			onChange := p.onChange
			p.mu.Unlock()
			if tracked && onChange != nil {
				onChange(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Debug("watcher error", zap.Error(err))
		case <-p.done:
			return
		}
	}
}

// Close stops the watcher, if one was started.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	err := p.watcher.Close()
	p.watcher = nil
	return err
}

func (p *Pool) entry(path string) *Entry {
	e, ok := p.files[path]
	if !ok {
		e = &Entry{Path: path}
		p.files[path] = e
		if p.watcher != nil {
			if err := p.watcher.Add(path); err != nil {
				p.logger.Debug("watch add failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return e
}

// RecordRead captures the file's mtime after a read-class access.
func (p *Pool) RecordRead(path string) error {
	mtime, _, err := p.fsys.MTime(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entry(path)
	e.LastRead = time.Now()
	e.LastReadMTime = mtime
	e.LastKnownMTime = mtime
	return nil
}

// RecordEdit captures the file's mtime after an edit-class access.
func (p *Pool) RecordEdit(path string) error {
	mtime, _, err := p.fsys.MTime(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entry(path)
	e.LastEdit = time.Now()
	e.LastEditMTime = mtime
	e.LastKnownMTime = mtime
	return nil
}

// ValidateWrite reports whether the file is fresh enough to overwrite:
// its current mtime equals the mtime captured at last read or last edit,
// or the file does not exist yet. Untracked existing files are stale.
func (p *Pool) ValidateWrite(path string) error {
	mtime, exists, err := p.fsys.MTime(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, tracked := p.files[path]
	if !tracked {
		return fmt.Errorf("%w: %s was never read", ErrStaleWrite, path)
	}
	if mtime.Equal(e.LastReadMTime) || mtime.Equal(e.LastEditMTime) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStaleWrite, path)
}

// AccessedFiles returns tracked entries ordered most recently accessed
// first. The context manager snapshots the head of this list before
// compression.
func (p *Pool) AccessedFiles() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.files))
	for _, e := range p.files {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].lastAccess().After(out[j].lastAccess())
	})
	return out
}

// ReadFile reads a tracked file's current content via the pool's
// filesystem.
func (p *Pool) ReadFile(path string) ([]byte, error) {
	return p.fsys.ReadFile(path)
}
