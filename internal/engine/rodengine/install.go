package rodengine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"
)

// DownloadOptions control Download.
type DownloadOptions struct {
	// Revision pins a Chromium snapshot. Zero uses rod's default revision.
	Revision int
	// SystemDeps installs the shared libraries Chromium needs through the
	// host package manager (Linux only).
	SystemDeps bool
	Logger     *zap.Logger
}

// Download fetches a Chromium build for this platform and returns its path.
func Download(ctx context.Context, opts DownloadOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.SystemDeps {
		if err := installSystemDeps(ctx, logger); err != nil {
			return "", err
		}
	}

	b := launcher.NewBrowser()
	b.Context = ctx
	if opts.Revision > 0 {
		b.Revision = opts.Revision
	}

	logger.Info("downloading chromium", zap.Int("revision", b.Revision))
	path, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}
	logger.Info("chromium ready", zap.String("path", path))
	return path, nil
}

type packageManager struct {
	bin      string
	prepare  []string
	install  []string
	packages []string
}

var packageManagers = []packageManager{
	{bin: "apt-get", prepare: []string{"update"}, install: []string{"install", "-y", "--no-install-recommends"}, packages: debianPackages},
	{bin: "dnf", install: []string{"install", "-y"}, packages: rpmPackages},
	{bin: "yum", install: []string{"install", "-y"}, packages: rpmPackages},
	{bin: "apk", install: []string{"add", "--no-cache"}, packages: alpinePackages},
}

func installSystemDeps(ctx context.Context, logger *zap.Logger) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	for _, pm := range packageManagers {
		path, err := exec.LookPath(pm.bin)
		if err != nil {
			continue
		}
		logger.Info("installing chromium system dependencies", zap.String("package_manager", pm.bin))
		if len(pm.prepare) > 0 {
			if err := run(ctx, path, pm.prepare...); err != nil {
				return err
			}
		}
		args := append(append([]string{}, pm.install...), pm.packages...)
		return run(ctx, path, args...)
	}
	return fmt.Errorf("no supported package manager found for chromium dependencies")
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v failed: %w\n%s", name, args, err, out.String())
	}
	return nil
}

var debianPackages = []string{
	"ca-certificates", "fonts-liberation", "libasound2", "libatk-bridge2.0-0",
	"libatk1.0-0", "libcups2", "libdbus-1-3", "libdrm2", "libgbm1", "libgtk-3-0",
	"libnspr4", "libnss3", "libx11-xcb1", "libxcomposite1", "libxdamage1",
	"libxfixes3", "libxrandr2", "libxshmfence1", "libxss1", "libxtst6",
	"libpango-1.0-0", "libpangocairo-1.0-0", "libxkbcommon0",
}

var rpmPackages = []string{
	"alsa-lib", "atk", "cups-libs", "gtk3", "libX11", "libXcomposite",
	"libXdamage", "libXrandr", "libXfixes", "libX11-xcb", "libxcb",
	"libxkbcommon", "libxshmfence", "nss", "nspr", "pango", "mesa-libgbm", "libdrm",
}

var alpinePackages = []string{
	"ca-certificates", "freetype", "harfbuzz", "nss", "ttf-freefont", "alsa-lib",
	"atk", "at-spi2-atk", "cups-libs", "libxcomposite", "libxdamage", "libxrandr",
	"libxfixes", "libxkbcommon", "libx11", "libxrender", "libxext", "libxcb",
	"libdrm", "mesa-gbm", "gtk+3.0", "pango", "cairo", "gdk-pixbuf", "fontconfig",
	"libstdc++", "libgcc",
}
