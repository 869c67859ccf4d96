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
package filepool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFS is an in-memory filesystem with settable mtimes.
type fakeFS struct {
	mtimes  map[string]time.Time
	content map[string][]byte
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		mtimes:  make(map[string]time.Time),
		content: make(map[string][]byte),
	}
}

func (f *fakeFS) set(path string, mtime time.Time, content string) {
	f.mtimes[path] = mtime
	f.content[path] = []byte(content)
}

func (f *fakeFS) MTime(path string) (time.Time, bool, error) {
	mtime, ok := f.mtimes[path]
	return mtime, ok, nil
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	data, ok := f.content[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func TestValidateWriteFreshAfterRead(t *testing.T) {
	fsys := newFakeFS()
	t0 := time.Now()
	fsys.set("/w/config.yaml", t0, "a: 1")

	p := New(WithFS(fsys))
	require.NoError(t, p.RecordRead("/w/config.yaml"))
	assert.NoError(t, p.ValidateWrite("/w/config.yaml"))
}

func TestValidateWriteStaleAfterExternalChange(t *testing.T) {
	fsys := newFakeFS()
	t0 := time.Now()
	fsys.set("/w/config.yaml", t0, "a: 1")

	p := New(WithFS(fsys))
	require.NoError(t, p.RecordRead("/w/config.yaml"))

	// Another process touches the file.
	fsys.set("/w/config.yaml", t0.Add(time.Second), "a: 2")

	err := p.ValidateWrite("/w/config.yaml")
	require.ErrorIs(t, err, ErrStaleWrite)
}

func TestValidateWriteFreshAfterOwnEdit(t *testing.T) {
	fsys := newFakeFS()
	t0 := time.Now()
	fsys.set("/w/main.go", t0, "package main")

	p := New(WithFS(fsys))
	require.NoError(t, p.RecordRead("/w/main.go"))

	// The agent edits the file itself; mtime advances but the edit is
	// recorded, so the next write is fresh.
	fsys.set("/w/main.go", t0.Add(time.Second), "package main // v2")
	require.NoError(t, p.RecordEdit("/w/main.go"))
	assert.NoError(t, p.ValidateWrite("/w/main.go"))
}

func TestValidateWriteNewFileAllowed(t *testing.T) {
	p := New(WithFS(newFakeFS()))
	assert.NoError(t, p.ValidateWrite("/w/brand-new.txt"))
}

func TestValidateWriteUntrackedExistingIsStale(t *testing.T) {
	fsys := newFakeFS()
	fsys.set("/w/secrets.env", time.Now(), "KEY=1")

	p := New(WithFS(fsys))
	err := p.ValidateWrite("/w/secrets.env")
	require.ErrorIs(t, err, ErrStaleWrite)
	assert.Contains(t, err.Error(), "never read")
}

func TestAccessedFilesOrderedByRecency(t *testing.T) {
	fsys := newFakeFS()
	now := time.Now()
	fsys.set("/w/a.go", now, "a")
	fsys.set("/w/b.go", now, "b")
	fsys.set("/w/c.go", now, "c")

	p := New(WithFS(fsys))
	require.NoError(t, p.RecordRead("/w/a.go"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, p.RecordRead("/w/b.go"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, p.RecordEdit("/w/c.go"))

	files := p.AccessedFiles()
	require.Len(t, files, 3)
	assert.Equal(t, "/w/c.go", files[0].Path)
	assert.Equal(t, "/w/b.go", files[1].Path)
	assert.Equal(t, "/w/a.go", files[2].Path)
}

func TestReadFileGoesThroughPoolFS(t *testing.T) {
	fsys := newFakeFS()
	fsys.set("/w/notes.md", time.Now(), "# notes")

	p := New(WithFS(fsys))
	data, err := p.ReadFile("/w/notes.md")
	require.NoError(t, err)
	assert.Equal(t, "# notes", string(data))
}
