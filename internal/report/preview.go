package report

import (
	"fmt"
	"strings"
	"sync"
)

const (
	ephemeralPrefix = "blob:"
	uploadsPrefix   = "/uploads/"
)

// Previews issues and releases session-local preview references. A
// reference stays valid until Release is called or the process exits.
type Previews interface {
	Create(data []byte, contentType string) string
	Release(ref string)
}

// IsEphemeral reports whether ref points at session-local preview data
func IsEphemeral(ref string) bool {
	return strings.HasPrefix(ref, ephemeralPrefix)
}

// DurablePreview returns the server-backed preview reference for an uploaded file
func DurablePreview(fileName string) string {
	return uploadsPrefix + fileName
}

type blob struct {
	data        []byte
	contentType string
}

// MemoryPreviews keeps preview bytes in memory for the lifetime of the process
type MemoryPreviews struct {
	mu    sync.Mutex
	seq   int
	blobs map[string]blob
}

// NewMemoryPreviews creates an empty preview registry
func NewMemoryPreviews() *MemoryPreviews {
	return &MemoryPreviews{blobs: make(map[string]blob)}
}

// Create stores data and returns its ephemeral reference
func (m *MemoryPreviews) Create(data []byte, contentType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("%s%d", ephemeralPrefix, m.seq)
	m.blobs[ref] = blob{data: data, contentType: contentType}
	return ref
}

// Release frees the data behind ref. Non-ephemeral references are ignored.
func (m *MemoryPreviews) Release(ref string) {
	if !IsEphemeral(ref) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
}

// Get returns the data behind ref
func (m *MemoryPreviews) Get(ref string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	return b.data, b.contentType, ok
}

// Len returns the number of unreleased previews
func (m *MemoryPreviews) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
