// LANShare Client
//
// Finds lanshare servers on the local subnet and browses them from an
// interactive prompt: ls, cd, download, upload.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/config"
	"github.com/fruitsalade/lanshare/internal/discovery"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/session"
	"github.com/fruitsalade/lanshare/pkg/client"
)

func main() {
	cfg, err := config.ParseClient(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if !errors.As(err, &ferr) {
			fmt.Fprintln(os.Stderr, "lanshare:", err)
		}
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     "console",
		OutputPath: "stderr",
	}); err != nil {
		fmt.Fprintln(os.Stderr, "lanshare: logging init error:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "lanshare:", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ClientConfig) error {
	// SIGTERM ends the client. SIGINT is left to cancel single transfers.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	scan := func(ctx context.Context) ([]discovery.Server, error) {
		local := discovery.LocalPrefix()
		logging.Debug("scanning", zap.String("prefix", local.String()))
		sc := discovery.NewScanner(cfg.Port)
		sc.Deadline = cfg.ScanDeadline
		return sc.Scan(ctx, local)
	}

	if cfg.Discover {
		servers, err := scan(ctx)
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			fmt.Println("No servers found.")
			return nil
		}
		for _, s := range servers {
			fmt.Println(s)
		}
		return nil
	}

	sess := session.New(session.Options{
		DownloadDir: cfg.DownloadDir,
		Dial: func(addr string) session.Remote {
			return client.New(client.Config{
				BaseURL: client.BaseURL(addr, cfg.Port),
				Timeout: cfg.Timeout,
			})
		},
		Scan: scan,
	})

	fmt.Println("LANShare client. Type help for commands.")
	fmt.Printf("Downloads go to %s\n", cfg.DownloadDir)
	if cfg.Args.Server != "" {
		if err := sess.Connect(ctx, cfg.Args.Server); err != nil {
			fmt.Printf("  Error: %v\n", err)
		}
	}

	err := sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
