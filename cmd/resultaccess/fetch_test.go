package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medlab-portal/resultaccess/internal/config"
	"medlab-portal/resultaccess/internal/sandbox"
	otelsetup "medlab-portal/resultaccess/internal/telemetry/otel"
)

// devCodeReader answers the first read with the sandbox's active code, fetched only once
// the CLI asks for it.
type devCodeReader struct {
	t     *testing.T
	url   string
	extra string
	buf   *strings.Reader
}

func (r *devCodeReader) Read(p []byte) (int, error) {
	if r.buf == nil {
		resp, err := http.Get(r.url)
		require.NoError(r.t, err)
		defer resp.Body.Close()
		var body struct{ Code string }
		require.NoError(r.t, json.NewDecoder(resp.Body).Decode(&body))
		r.buf = strings.NewReader(r.extra + body.Code + "\n")
	}
	return r.buf.Read(p)
}

func setupFetch(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv, err := sandbox.New(sandbox.DemoResults(), sandbox.Options{ExposeCodes: true, RatePerMinute: 1000})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	dir := t.TempDir()
	cfg = &config.Config{
		PortalAPIURL:  ts.URL + "/api",
		OTPCodeLength: 6,
		DownloadDir:   dir,
	}
	logger = zaptest.NewLogger(t)
	providers, err = otelsetup.NewProviders(context.Background(), "", "test", false, logger)
	require.NoError(t, err)
	return ts, dir
}

func runFetchCmd(t *testing.T, in *devCodeReader, id string) (string, error) {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetIn(in)
	var out bytes.Buffer
	cmd.SetOut(&out)
	err := runFetch(cmd, []string{id})
	return out.String(), err
}

func TestFetch_SavesPDF(t *testing.T) {
	ts, dir := setupFetch(t)
	in := &devCodeReader{t: t, url: ts.URL + "/api/dev/otp/demo-ok", extra: "12ab\n"}

	out, err := runFetchCmd(t, in, "demo-ok")
	require.NoError(t, err)
	require.Contains(t, out, "Résultat LAB-2025-0042 (Awa Ndjock)")
	require.Contains(t, out, "Code envoyé au +237•••••••89")
	require.Contains(t, out, "Mode test")
	require.Contains(t, out, "Le code doit comporter 6 chiffres.")

	path := filepath.Join(dir, "resultat-LAB-2025-0042.pdf")
	require.Contains(t, out, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestFetch_ResendDuringCooldown(t *testing.T) {
	ts, _ := setupFetch(t)
	in := &devCodeReader{t: t, url: ts.URL + "/api/dev/otp/demo-ok", extra: "r\n"}

	out, err := runFetchCmd(t, in, "demo-ok")
	require.NoError(t, err)
	require.Contains(t, out, "Veuillez patienter")
}

func TestFetch_NoContact(t *testing.T) {
	setupFetch(t)
	_, err := runFetchCmd(t, &devCodeReader{t: t}, "demo-nophone")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Aucun numéro de téléphone")
	require.Equal(t, 1, strings.Count(err.Error(), "laboratoire"), err.Error())
}

func TestFetch_NotFound(t *testing.T) {
	setupFetch(t)
	_, err := runFetchCmd(t, &devCodeReader{t: t}, "missing")
	require.Error(t, err)
	require.Equal(t, 1, strings.Count(err.Error(), "laboratoire"), err.Error())
}
