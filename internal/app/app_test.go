package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"toolmark-review/internal/domain/model"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_path: /tmp/x.db\nprivacy_mode: masked\nupload_concurrency: 8\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/x.db", cfg.DBPath)
	require.Equal(t, "masked", cfg.PrivacyMode)
	require.Equal(t, 8, cfg.UploadConcurrency)
	require.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_pth: typo.db\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadPrivacyMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte("privacy_mode: loud\n"), 0o644))

	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "privacy_mode")
}

func TestOpenRuntimeInMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.BucketURL = "mem://"

	rt, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Store.PutUser(ctx, model.User{UID: "u1", Email: "a@lab.test", DisplayName: "A"}))
	blobID, err := rt.Images.Upload(ctx, []byte("img"), "a.png")
	require.NoError(t, err)
	data, err := rt.Images.Download(ctx, blobID)
	require.NoError(t, err)
	require.Equal(t, "img", string(data))

	rt.Audit.Send(model.AuditEvent{CaseNumber: "24-0001", EventType: "export", Action: "test", Status: "success"})
	require.NoError(t, rt.Close())
}

func TestOpenRuntimeFileBucket(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "db", "review.db")

	rt, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	_, err = os.Stat(filepath.Join(dir, "db", "blobs"))
	require.NoError(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, LogOptions{Format: "json", Level: "warn"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "case_number", "24-0001")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"case_number":"24-0001"`)

	_, err = NewLogger(io.Discard, LogOptions{Format: "xml"})
	require.Error(t, err)
	_, err = NewLogger(io.Discard, LogOptions{Level: "loud"})
	require.Error(t, err)
}
