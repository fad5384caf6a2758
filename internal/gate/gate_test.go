package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlab-portal/resultaccess/internal/challenge"
	"medlab-portal/resultaccess/internal/portal"
	"medlab-portal/resultaccess/internal/result/domain"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

// stubPortal accepts every code.
type stubPortal struct{}

func (stubPortal) Lookup(ctx context.Context, id string) (*domain.Reference, error) {
	return &domain.Reference{ID: id, ReferenceCode: "LAB/2025 0042"}, nil
}

func (stubPortal) RequestCode(ctx context.Context, id string) (*portal.CodeIssue, error) {
	return &portal.CodeIssue{Success: true, MaskedContact: "+237•••••089", ExpiresInMinutes: 10, DeliveryChannelEnabled: true}, nil
}

func (p stubPortal) ResendCode(ctx context.Context, id string) (*portal.CodeIssue, error) {
	return p.RequestCode(ctx, id)
}

func (stubPortal) VerifyCode(ctx context.Context, id, code string) (*portal.Verification, error) {
	return &portal.Verification{Success: true, AccessToken: "tok-1"}, nil
}

// grantFor drives a controller to SUCCESS and returns its grant and the controller.
func grantFor(t *testing.T) (challenge.AccessGrant, *challenge.Controller) {
	t.Helper()
	ctx := context.Background()
	c := challenge.New(stubPortal{}, "r1")
	t.Cleanup(func() { _ = c.Close() })
	_, err := c.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestCode(ctx))
	require.NoError(t, c.SubmitCode(ctx, "123456"))
	grant, err := c.Grant()
	require.NoError(t, err)
	return grant, c
}

type fakeFetcher struct {
	mu     sync.Mutex
	data   []byte
	err    error
	calls  int
	tokens []string
}

func (f *fakeFetcher) Download(ctx context.Context, resultID, token string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, "application/pdf", nil
}

func TestView_StagesDocument(t *testing.T) {
	grant, _ := grantFor(t)
	fetcher := &fakeFetcher{data: samplePDF}
	g := New(fetcher, WithTempDir(t.TempDir()))

	doc, err := g.View(context.Background(), grant)
	require.NoError(t, err)

	staged, err := os.ReadFile(doc.Path())
	require.NoError(t, err)
	assert.Equal(t, samplePDF, staged)
	assert.Equal(t, samplePDF, doc.Bytes())
	assert.Equal(t, len(samplePDF), doc.Size())
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, []string{"tok-1"}, fetcher.tokens)

	require.NoError(t, doc.Close())
	_, err = os.Stat(doc.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "staged file should be removed on Close")
	assert.Nil(t, doc.Bytes())
	assert.NoError(t, doc.Close(), "Close is idempotent")
}

func TestView_EachCallFetches(t *testing.T) {
	grant, _ := grantFor(t)
	fetcher := &fakeFetcher{data: samplePDF}
	g := New(fetcher, WithTempDir(t.TempDir()))

	for i := 0; i < 3; i++ {
		doc, err := g.View(context.Background(), grant)
		require.NoError(t, err)
		doc.Close()
	}
	assert.Equal(t, 3, fetcher.calls)
}

func TestWithDocument_ReleasesOnError(t *testing.T) {
	grant, _ := grantFor(t)
	g := New(&fakeFetcher{data: samplePDF}, WithTempDir(t.TempDir()))

	var path string
	boom := errors.New("viewer crashed")
	err := g.WithDocument(context.Background(), grant, func(d *Document) error {
		path = d.Path()
		_, statErr := os.Stat(path)
		require.NoError(t, statErr)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestWithDocument_ReleasesOnPanic(t *testing.T) {
	grant, _ := grantFor(t)
	dir := t.TempDir()
	g := New(&fakeFetcher{data: samplePDF}, WithTempDir(dir))

	func() {
		defer func() { _ = recover() }()
		_ = g.WithDocument(context.Background(), grant, func(d *Document) error {
			panic("viewer dismissed")
		})
	}()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClose_ReleasesOpenDocuments(t *testing.T) {
	grant, _ := grantFor(t)
	dir := t.TempDir()
	g := New(&fakeFetcher{data: samplePDF}, WithTempDir(dir))

	a, err := g.View(context.Background(), grant)
	require.NoError(t, err)
	b, err := g.View(context.Background(), grant)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Nil(t, a.Bytes())
	assert.ErrorIs(t, a.OpenWith(context.Background(), "true"), os.ErrClosed)
}

func TestView_AfterClose(t *testing.T) {
	grant, _ := grantFor(t)
	dir := t.TempDir()
	g := New(&fakeFetcher{data: samplePDF}, WithTempDir(dir))
	require.NoError(t, g.Close())

	_, err := g.View(context.Background(), grant)
	assert.ErrorIs(t, err, ErrClosed)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestView_RejectsNonPDF(t *testing.T) {
	grant, _ := grantFor(t)
	dir := t.TempDir()
	g := New(&fakeFetcher{data: []byte("<html>login</html>")}, WithTempDir(dir))

	_, err := g.View(context.Background(), grant)
	assert.ErrorIs(t, err, ErrNotPDF)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestView_FetchError(t *testing.T) {
	grant, _ := grantFor(t)
	g := New(&fakeFetcher{err: portal.ErrForbidden}, WithTempDir(t.TempDir()))

	_, err := g.View(context.Background(), grant)
	assert.ErrorIs(t, err, portal.ErrForbidden)
}

func TestGate_RequiresValidGrant(t *testing.T) {
	fetcher := &fakeFetcher{data: samplePDF}
	g := New(fetcher, WithTempDir(t.TempDir()), WithDownloadDir(t.TempDir()))

	_, err := g.View(context.Background(), challenge.AccessGrant{})
	assert.ErrorIs(t, err, challenge.ErrAccessNotGranted)
	_, err = g.Download(context.Background(), challenge.AccessGrant{})
	assert.ErrorIs(t, err, challenge.ErrAccessNotGranted)

	grant, c := grantFor(t)
	require.NoError(t, c.Close())
	_, err = g.View(context.Background(), grant)
	assert.ErrorIs(t, err, challenge.ErrAccessNotGranted, "grant of a closed session must be refused")
	assert.Equal(t, 0, fetcher.calls)
}

func TestDownload_WritesNamedFile(t *testing.T) {
	grant, _ := grantFor(t)
	dir := filepath.Join(t.TempDir(), "downloads")
	g := New(&fakeFetcher{data: samplePDF}, WithDownloadDir(dir))

	path, err := g.Download(context.Background(), grant)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "resultat-LAB_2025_0042.pdf"), path)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, written)

	// A second download replaces the file and leaves no partial files behind.
	_, err = g.Download(context.Background(), grant)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "resultat-LAB_2025_0042.pdf", entries[0].Name())
}

func TestDocument_OpenWithAfterClose(t *testing.T) {
	grant, _ := grantFor(t)
	g := New(&fakeFetcher{data: samplePDF}, WithTempDir(t.TempDir()))
	doc, err := g.View(context.Background(), grant)
	require.NoError(t, err)
	doc.Close()
	assert.ErrorIs(t, doc.OpenWith(context.Background(), "true"), os.ErrClosed)
}
