// LANShare Server
//
// Shares one directory with the local network:
// - JSON listing, streamed downloads and optional uploads over HTTP
// - read-only (or upload-enabled) WebDAV mount under /dav/
// - discovery endpoint for subnet scanners
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/lanshare/internal/api"
	"github.com/fruitsalade/lanshare/internal/config"
	"github.com/fruitsalade/lanshare/internal/discovery"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/storage"
)

// Half-block glyphs keep the QR code small enough for a terminal.
const (
	qrBlackWhite = "▄"
	qrBlackBlack = " "
	qrWhiteBlack = "▀"
	qrWhiteWhite = "█"
)

func main() {
	cfg, err := config.ParseServer(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		// go-flags has already printed its own parse errors
		if !errors.As(err, &ferr) {
			fmt.Fprintln(os.Stderr, "lanshare-server:", err)
		}
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "lanshare-server: logging init error:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("server stopped", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := storage.NewResolver(cfg.Root)
	if err != nil {
		return err
	}
	srv := api.NewServer(cfg, resolver)

	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	logging.Info("LANShare server starting",
		zap.String("root", cfg.Root),
		zap.String("listen", ln.Addr().String()),
		zap.Bool("upload", cfg.UploadEnabled),
		zap.Int("max_conns", cfg.MaxConns))
	announce(cfg, port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return &config.Error{Field: "metrics", Err: err}
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsServer.Close()
		})
	}

	err = g.Wait()
	logging.Info("LANShare server stopped")
	return err
}

// announce prints where peers can reach the server.
func announce(cfg *config.ServerConfig, port int) {
	p := strconv.Itoa(port)
	lan := "http://" + net.JoinHostPort(discovery.LocalAddr().String(), p)

	fmt.Printf("\n  Sharing %s\n", cfg.Root)
	fmt.Printf("  Local:   http://%s\n", net.JoinHostPort("localhost", p))
	fmt.Printf("  Network: %s\n", lan)
	fmt.Printf("  WebDAV:  %s/dav/\n", lan)
	if cfg.UploadEnabled {
		fmt.Println("  Uploads: enabled")
	} else {
		fmt.Println("  Uploads: disabled (start with --upload to accept files)")
	}

	if cfg.QR {
		fmt.Println()
		qrterminal.GenerateWithConfig(lan, qrterminal.Config{
			Level:          qrterminal.M,
			Writer:         os.Stdout,
			HalfBlocks:     true,
			BlackChar:      qrBlackBlack,
			WhiteBlackChar: qrWhiteBlack,
			WhiteChar:      qrWhiteWhite,
			BlackWhiteChar: qrBlackWhite,
			QuietZone:      1,
		})
	}
	fmt.Println()
}
