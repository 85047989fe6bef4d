package nats

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// NATSVersion is the nats-server release fetched by EnsureNATSBinary.
const NATSVersion = "2.10.24"

const releaseURL = "https://github.com/nats-io/nats-server/releases/download"

// GetDownloadURL returns the release archive for goos/goarch.
func GetDownloadURL(goos, goarch string) (string, error) {
	switch goos {
	case "linux", "darwin", "windows":
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}

	return fmt.Sprintf("%s/v%s/nats-server-v%s-%s-%s.zip",
		releaseURL, NATSVersion, NATSVersion, goos, goarch), nil
}

// EnsureNATSBinary returns binPath, downloading the release into it first
// when it is missing and autoDL is set.
func EnsureNATSBinary(ctx context.Context, binPath string, autoDL bool, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(binPath); err == nil {
		logger.Debug("NATS server binary found", zap.String("path", binPath))
		return binPath, nil
	}
	if !autoDL {
		return "", fmt.Errorf("NATS server binary not found at %s and auto-download is disabled", binPath)
	}

	downloadURL, err := GetDownloadURL(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", binPath, err)
	}

	tmp, err := os.CreateTemp("", "nats-server-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	logger.Info("downloading NATS server",
		zap.String("version", NATSVersion),
		zap.String("url", downloadURL))

	start := time.Now()
	resp, err := resty.New().
		SetTimeout(5*time.Minute).
		SetRetryCount(2).
		R().
		SetContext(ctx).
		SetOutput(tmp.Name()).
		Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to download NATS server: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to download NATS server: HTTP %d", resp.StatusCode())
	}

	if err := extractNATSBinary(tmp.Name(), binPath, binaryName(runtime.GOOS)); err != nil {
		return "", fmt.Errorf("failed to extract NATS server: %w", err)
	}

	logger.Info("NATS server installed",
		zap.String("path", binPath),
		zap.Duration("took", time.Since(start)))
	return binPath, nil
}

func binaryName(goos string) string {
	if goos == "windows" {
		return "nats-server.exe"
	}
	return "nats-server"
}

// extractNATSBinary copies the entry named name out of the archive into
// destPath and makes it executable.
func extractNATSBinary(zipPath, destPath, name string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != name {
			continue
		}
		return copyEntry(f, destPath)
	}
	return fmt.Errorf("%s not found in archive", name)
}

func copyEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	return out.Close()
}
