// Package fanout duplicates one PCM stream to every active language session.
package fanout

import "sync"

// Target consumes PCM chunks. Feed must not block.
type Target interface {
	Feed(pcm []byte)
}

// Fanout is an io.Writer that copies each chunk to all targets.
type Fanout struct {
	mu      sync.RWMutex
	order   []string
	targets map[string]Target
}

// New creates an empty Fanout.
func New() *Fanout {
	return &Fanout{targets: make(map[string]Target)}
}

// Add registers t under key, replacing any previous target with that key.
func (f *Fanout) Add(key string, t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.targets[key]; !ok {
		f.order = append(f.order, key)
	}
	f.targets[key] = t
}

// Remove unregisters key.
func (f *Fanout) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.targets[key]; !ok {
		return
	}
	delete(f.targets, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of targets.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.targets)
}

// Write copies p once and hands the copy to every target. Targets share the
// copy and must treat it as read-only.
func (f *Fanout) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, key := range f.order {
		f.targets[key].Feed(chunk)
	}
	return len(p), nil
}
