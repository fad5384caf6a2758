package gate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Document is a fetched PDF staged in a temporary file for display.
type Document struct {
	path    string
	logger  *zap.Logger
	release func(*Document)

	mu     sync.Mutex
	data   []byte
	closed bool
}

// Path is the staged file. It no longer exists after Close.
func (d *Document) Path() string { return d.path }

// Bytes returns the document content, or nil after Close.
func (d *Document) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// Size is the document length in bytes.
func (d *Document) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data)
}

// OpenWith runs viewer with the staged path as its only argument and waits for it to exit.
func (d *Document) OpenWith(ctx context.Context, viewer string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return os.ErrClosed
	}
	return exec.CommandContext(ctx, viewer, d.path).Run()
}

// Close releases the staged file. Best-effort: removal failures are logged, never returned.
// Safe to call more than once.
func (d *Document) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.data = nil
	if err := os.Remove(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("release staged document failed", zap.String("path", d.path), zap.Error(err))
	}
	d.mu.Unlock()

	// release takes the gate lock; d.mu must not be held here.
	if d.release != nil {
		d.release(d)
	}
	return nil
}
