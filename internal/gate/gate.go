// Package gate releases a result's PDF once the challenge has granted access.
// Every View or Download is an independent fetch; nothing is cached between calls.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/challenge"
	"medlab-portal/resultaccess/internal/logging"
	"medlab-portal/resultaccess/internal/result/domain"
	"medlab-portal/resultaccess/internal/telemetry"
)

var (
	// ErrNotPDF is returned when the gated endpoint answers with something other than a PDF.
	ErrNotPDF = errors.New("gate: response is not a PDF document")
	// ErrClosed is returned by View after Close.
	ErrClosed = errors.New("gate: closed")
)

var pdfMagic = []byte("%PDF-")

// Fetcher downloads the gated document. *portal.Client implements it.
type Fetcher interface {
	Download(ctx context.Context, resultID, accessToken string) ([]byte, string, error)
}

// Option configures a Gate.
type Option func(*Gate)

// WithTempDir sets where viewed documents are staged. Empty uses os.TempDir().
func WithTempDir(dir string) Option { return func(g *Gate) { g.tempDir = dir } }

// WithDownloadDir sets where Download writes files. Empty uses the working directory.
func WithDownloadDir(dir string) Option { return func(g *Gate) { g.downloadDir = dir } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(g *Gate) { g.logger = logging.OrNop(logger) } }

// WithEmitter sets the telemetry emitter.
func WithEmitter(emitter telemetry.EventEmitter) Option { return func(g *Gate) { g.emitter = emitter } }

// Gate fetches gated PDFs on behalf of a granted session.
type Gate struct {
	fetcher     Fetcher
	tempDir     string
	downloadDir string
	logger      *zap.Logger
	emitter     telemetry.EventEmitter

	mu     sync.Mutex
	live   map[*Document]struct{}
	closed bool
}

// New returns a Gate fetching through f.
func New(f Fetcher, opts ...Option) *Gate {
	g := &Gate{fetcher: f, downloadDir: ".", logger: zap.NewNop(), live: make(map[*Document]struct{})}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// View fetches the PDF and stages it for display. The caller must Close the Document;
// WithDocument does that automatically. Documents still open when the Gate is closed are
// released by Close.
func (g *Gate) View(ctx context.Context, grant challenge.AccessGrant) (*Document, error) {
	data, err := g.fetch(ctx, grant, "view")
	if err != nil {
		return nil, err
	}
	doc, f, err := g.stage()
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		doc.Close()
		return nil, fmt.Errorf("gate: stage document: %w", err)
	}
	if err := f.Close(); err != nil {
		doc.Close()
		return nil, fmt.Errorf("gate: stage document: %w", err)
	}
	doc.mu.Lock()
	if !doc.closed {
		doc.data = data
	}
	closed := doc.closed
	doc.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return doc, nil
}

// stage creates the temporary file and registers its Document in one step, so Close never
// misses a file that exists on disk.
func (g *Gate) stage() (*Document, *os.File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, ErrClosed
	}
	f, err := os.CreateTemp(g.tempDir, "resultat-*.pdf")
	if err != nil {
		return nil, nil, fmt.Errorf("gate: stage document: %w", err)
	}
	doc := &Document{path: f.Name(), logger: g.logger, release: g.forget}
	g.live[doc] = struct{}{}
	return doc, f, nil
}

func (g *Gate) forget(d *Document) {
	g.mu.Lock()
	delete(g.live, d)
	g.mu.Unlock()
}

// Close releases every staged document that is still open and refuses further views.
// Safe to call more than once.
func (g *Gate) Close() error {
	g.mu.Lock()
	g.closed = true
	docs := make([]*Document, 0, len(g.live))
	for d := range g.live {
		docs = append(docs, d)
	}
	g.mu.Unlock()

	for _, d := range docs {
		d.Close()
	}
	return nil
}

// WithDocument views the PDF and passes it to fn. The document is released when fn returns,
// including when fn fails or panics.
func (g *Gate) WithDocument(ctx context.Context, grant challenge.AccessGrant, fn func(*Document) error) error {
	doc, err := g.View(ctx, grant)
	if err != nil {
		return err
	}
	defer doc.Close()
	return fn(doc)
}

// Download fetches the PDF and writes it to the download directory as resultat-<reference>.pdf.
// It returns the written path. An existing file of the same name is replaced.
func (g *Gate) Download(ctx context.Context, grant challenge.AccessGrant) (string, error) {
	data, err := g.fetch(ctx, grant, "download")
	if err != nil {
		return "", err
	}
	dir := g.downloadDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("gate: download dir: %w", err)
	}
	ref := &domain.Reference{ReferenceCode: grant.Reference()}
	target := filepath.Join(dir, ref.DownloadFileName())

	tmp, err := os.CreateTemp(dir, ".resultat-*.part")
	if err != nil {
		return "", fmt.Errorf("gate: write download: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("gate: write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("gate: write download: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("gate: write download: %w", err)
	}
	g.logger.Info("result downloaded", zap.String("result_id", grant.ResultID()), zap.String("path", target))
	return target, nil
}

func (g *Gate) fetch(ctx context.Context, grant challenge.AccessGrant, purpose string) ([]byte, error) {
	if !grant.Valid() {
		return nil, challenge.ErrAccessNotGranted
	}
	data, _, err := g.fetcher.Download(ctx, grant.ResultID(), grant.BearerToken())
	if err != nil {
		g.logger.Warn("result fetch failed", zap.String("result_id", grant.ResultID()), zap.String("purpose", purpose), zap.Error(err))
		return nil, fmt.Errorf("gate: %s: %w", purpose, err)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, ErrNotPDF
	}
	if g.emitter != nil {
		ev := telemetry.NewEvent(telemetry.EventDocument, grant.ResultID())
		ev.Detail = purpose
		telemetry.EmitAsync(g.emitter, ctx, ev)
	}
	return data, nil
}
