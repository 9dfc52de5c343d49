// Command vcwasm packs asset trees into containers and serves them over
// HTTP, either straight out of the container with Range support or from an
// unpacked directory tree.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"

	"github.com/watchakorn-18k/VCWASM/httpsource"
	"github.com/watchakorn-18k/VCWASM/pack"
	"github.com/watchakorn-18k/VCWASM/server"
)

type config struct {
	Port     int    `env:"VCWASM_PORT" envDefault:"8000"`
	Base     string `env:"VCWASM_BASE" envDefault:"."`
	Login    string `env:"VCWASM_LOGIN"`
	Password string `env:"VCWASM_PASSWORD"`
	LogLevel string `env:"VCWASM_LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "vcwasm:", err)
		os.Exit(1)
	}

	var (
		packDir  = pflag.String("pack", "", "pack this directory into a container, then serve it")
		packed   = pflag.String("packed", "", "serve this container (local path or URL)")
		unpacked = pflag.String("unpacked", "", "unpack this source (digest, path, or URL) and serve the tree")
		codec    = pflag.String("codec", "zstd", "compression codec for --pack: none, zstd, lz4")
		strict   = pflag.Bool("strict", false, "re-hash existing files when resuming an unpack")
	)
	pflag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	pflag.StringVar(&cfg.Base, "base", cfg.Base, "working directory for containers and unpacked trees")
	pflag.StringVar(&cfg.Login, "login", cfg.Login, "basic auth user (blank disables auth)")
	pflag.StringVar(&cfg.Password, "password", cfg.Password, "basic auth password")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	pflag.Parse()

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *packDir, *packed, *unpacked, *codec, *strict, logger); err != nil {
		logger.Error("vcwasm failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, packDir, packed, unpacked, codecName string, strict bool, logger *slog.Logger) error {
	modes := 0
	for _, m := range []string{packDir, packed, unpacked} {
		if m != "" {
			modes++
		}
	}
	if modes != 1 {
		return errors.New("exactly one of --pack, --packed, --unpacked is required")
	}
	if err := os.MkdirAll(cfg.Base, 0o755); err != nil {
		return err
	}

	switch {
	case packDir != "":
		containerPath, err := packTree(ctx, packDir, cfg.Base, codecName, logger)
		if err != nil {
			return err
		}
		return serveContainerFile(ctx, cfg, containerPath, logger)
	case packed != "":
		return servePacked(ctx, cfg, packed, logger)
	default:
		return serveUnpacked(ctx, cfg, unpacked, strict, logger)
	}
}

// packTree archives the immediate subfolders of source — each one a
// dataset addressed under its own prefix — into {digest}.bin under base and
// returns the container path. The first dataset creates the container, the
// rest are appended. A bare digest resolves to the matching
// unpacked/{digest} tree, and an existing container for the same content is
// reused as is.
func packTree(ctx context.Context, source, base, codecName string, logger *slog.Logger) (string, error) {
	codec, err := pack.ParseCodec(codecName)
	if err != nil {
		return "", err
	}
	dir := source
	if pack.IsDigestHex(source) {
		dir = pack.UnpackedDir(filepath.Join(base, "unpacked"), source)
	}
	dgst, err := pack.TreeDigest(dir)
	if err != nil {
		return "", err
	}
	containerPath := filepath.Join(base, pack.ContainerFileName(dgst.Encoded()))
	if _, err := os.Stat(containerPath); err == nil {
		logger.Info("container up to date", "path", containerPath)
		return containerPath, nil
	}

	datasets, err := datasetDirs(dir)
	if err != nil {
		return "", err
	}
	opts := []pack.PackOption{pack.WithCodec(codec), pack.WithPackLogger(logger)}
	if len(datasets) == 0 {
		// A tree without subfolders is itself a single dataset.
		logger.Info("packing", "dataset", filepath.Base(dir), "container", containerPath)
		if err := pack.Pack(ctx, dir, containerPath, opts...); err != nil {
			return "", err
		}
		return containerPath, nil
	}

	for i, name := range datasets {
		logger.Info("packing dataset", "dataset", name, "container", containerPath)
		sub := filepath.Join(dir, name)
		if i == 0 {
			err = pack.Pack(ctx, sub, containerPath, opts...)
		} else {
			err = pack.PackAppend(ctx, sub, containerPath, opts...)
		}
		if err != nil {
			return "", err
		}
	}
	return containerPath, nil
}

// datasetDirs lists the immediate subfolders of dir in sorted order,
// skipping hidden ones.
func datasetDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func serveContainerFile(ctx context.Context, cfg config, path string, logger *slog.Logger) error {
	c, err := pack.Open(path)
	if err != nil {
		return err
	}
	defer c.Close()
	return serveContainer(ctx, cfg, c, logger)
}

// servePacked serves a container from a local path or a remote URL.
// Range-capable remotes are served in place; others are downloaded once.
func servePacked(ctx context.Context, cfg config, source string, logger *slog.Logger) error {
	if !isURL(source) {
		return serveContainerFile(ctx, cfg, source, logger)
	}

	src, err := httpsource.New(ctx, source, httpsource.WithLogger(logger))
	if err == nil {
		c, cerr := pack.New(src)
		if cerr != nil {
			return cerr
		}
		logger.Info("serving remote container", "url", source, "size", c.Size())
		return serveContainer(ctx, cfg, c, logger)
	}
	if !errors.Is(err, httpsource.ErrRangeUnsupported) {
		return err
	}

	localPath, err := downloadContainer(ctx, source, cfg.Base, logger)
	if err != nil {
		return err
	}
	return serveContainerFile(ctx, cfg, localPath, logger)
}

// serveUnpacked materializes the source under base/unpacked/{key} and
// serves the tree as static files. A bare digest with an existing tree is
// served without any container at all.
func serveUnpacked(ctx context.Context, cfg config, source string, strict bool, logger *slog.Logger) error {
	key := pack.SourceKey(source)
	dest := pack.UnpackedDir(filepath.Join(cfg.Base, "unpacked"), key)

	resume := pack.ResumeSize
	if strict {
		resume = pack.ResumeVerify
	}

	switch {
	case pack.IsDigestHex(source):
		if _, err := os.Stat(dest); err != nil {
			return fmt.Errorf("no unpacked tree for digest %s", source)
		}
		logger.Info("reusing unpacked tree", "dest", dest)
	case isURL(source):
		if err := unpackRemote(ctx, source, dest, resume, logger); err != nil {
			return err
		}
	default:
		c, err := pack.Open(source)
		if err != nil {
			return err
		}
		stats, err := pack.Unpack(ctx, c, dest,
			pack.WithResume(resume), pack.WithUnpackLogger(logger))
		c.Close()
		if err != nil {
			return err
		}
		if len(stats.Failed) > 0 {
			return fmt.Errorf("%d entries failed to unpack", len(stats.Failed))
		}
	}
	return serveStatic(ctx, cfg, dest, logger)
}

// unpackRemote extracts a remote container, using ranged reads when the
// server supports them and a single streaming pass otherwise.
func unpackRemote(ctx context.Context, url, dest string, resume pack.ResumeMode, logger *slog.Logger) error {
	src, err := httpsource.New(ctx, url, httpsource.WithLogger(logger))
	if err == nil {
		c, cerr := pack.New(src)
		if cerr != nil {
			return cerr
		}
		stats, uerr := pack.Unpack(ctx, c, dest,
			pack.WithResume(resume), pack.WithUnpackLogger(logger))
		if uerr != nil {
			return uerr
		}
		if len(stats.Failed) > 0 {
			return fmt.Errorf("%d entries failed to unpack", len(stats.Failed))
		}
		return nil
	}
	if !errors.Is(err, httpsource.ErrRangeUnsupported) {
		return err
	}

	logger.Info("remote has no range support, streaming", "url", url)
	return streamUnpack(ctx, url, dest, resume, logger)
}

// streamRestarts bounds how many times an interrupted streaming transfer is
// restarted from the beginning.
const streamRestarts = 3

// streamUnpack extracts a container from a plain GET. Without ranges an
// interrupted transfer cannot resume in place, so the whole fetch restarts
// and resume-skip fast-forwards past entries already on disk.
func streamUnpack(ctx context.Context, url, dest string, resume pack.ResumeMode, logger *slog.Logger) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), streamRestarts), ctx)
	return backoff.Retry(func() error {
		body, err := httpsource.Get(ctx, url, httpsource.WithLogger(logger))
		if err != nil {
			// Get already retried transient connect failures.
			return backoff.Permanent(err)
		}
		defer body.Close()
		stats, err := pack.UnpackStream(ctx, body, dest,
			pack.WithResume(resume), pack.WithUnpackLogger(logger))
		if err != nil {
			if errors.Is(err, pack.ErrFormat) {
				return backoff.Permanent(err)
			}
			logger.Warn("stream interrupted, restarting", "url", url, "error", err)
			return err
		}
		if len(stats.Failed) > 0 {
			logger.Warn("stream left entries incomplete, restarting",
				"url", url, "failed", len(stats.Failed))
			return fmt.Errorf("%d entries failed to unpack", len(stats.Failed))
		}
		return nil
	}, bo)
}

// downloadContainer fetches a range-less remote container into base.
func downloadContainer(ctx context.Context, url, base string, logger *slog.Logger) (string, error) {
	target := filepath.Join(base, pack.ContainerFileName(pack.SourceKey(url)))
	if _, err := os.Stat(target); err == nil {
		logger.Info("container already downloaded", "path", target)
		return target, nil
	}
	body, err := httpsource.Get(ctx, url, httpsource.WithLogger(logger))
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(base, ".download-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.ReadFrom(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	logger.Info("downloaded container", "url", url, "path", target)
	return target, nil
}

func serveContainer(ctx context.Context, cfg config, c *pack.Container, logger *slog.Logger) error {
	e := newEcho(cfg)
	srv, err := server.New(c, server.WithLogger(logger))
	if err != nil {
		return err
	}
	srv.Register(e)
	logger.Info("serving container", "source", c.SourceID(), "entries", c.Len(), "port", cfg.Port)
	return startEcho(ctx, e, cfg.Port)
}

func serveStatic(ctx context.Context, cfg config, dir string, logger *slog.Logger) error {
	e := newEcho(cfg)
	e.Use(crossOriginIsolation)
	e.Static("/", dir)
	logger.Info("serving unpacked tree", "dir", dir, "port", cfg.Port)
	return startEcho(ctx, e, cfg.Port)
}

func newEcho(cfg config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if cfg.Login != "" {
		e.Use(middleware.BasicAuth(func(user, pass string, _ echo.Context) (bool, error) {
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Login)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password)) == 1
			return userOK && passOK, nil
		}))
	}
	return e
}

func startEcho(ctx context.Context, e *echo.Echo, port int) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(fmt.Sprintf(":%d", port))
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func crossOriginIsolation(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		c.Response().Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		return next(c)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
