// Command lvsave-server is a reference LiveView save server. It accepts save requests
// over TCP (and optionally WebSocket), records them in the journal and replies
// 200 "OK".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liveview/lvsave/internal/config"
	"github.com/liveview/lvsave/internal/journal"
	"github.com/liveview/lvsave/internal/logger"
	"github.com/liveview/lvsave/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lvsave-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "lvsave.yaml", "Path to config YAML file")
	addr := fs.String("addr", "", "TCP listen address (overrides server.address)")
	wsAddr := fs.String("wsaddr", "", "WebSocket listen address (overrides server.websocket_address)")
	dbPath := fs.String("db", "", "SQLite journal path (overrides journal.sqlite_path)")
	history := fs.Int("history", 0, "Print the N most recent save requests and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load config %s: %v\n", *configFile, err)
		return 1
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *wsAddr != "" {
		cfg.Server.WebSocketAddress = *wsAddr
	}
	if *dbPath != "" {
		cfg.Journal.Driver = string(journal.DialectSQLite)
		cfg.Journal.SQLitePath = *dbPath
	}

	logConfig, _ := logger.LoadConfig(*configFile)
	if err := logger.Initialize(logConfig); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	j, err := journal.Open(cfg.Journal)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	if *history > 0 {
		if err := printHistory(ctx, stdout, j, *history); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	srv := server.NewServer(cfg.Server, j)
	if err := srv.Listen(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	errs := make(chan error, 2)
	go func() {
		if err := srv.Serve(); err != nil {
			errs <- err
		}
	}()
	if cfg.Server.WebSocketAddress != "" {
		go func() {
			if err := srv.StartWebSocket(cfg.Server.WebSocketAddress); err != nil {
				errs <- err
			}
		}()
	}

	fmt.Fprintf(stdout, "Listening for save requests on %s\n", srv.Addr())

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errs:
		logger.Error("Server failed", "error", err)
		code = 1
	}
	srv.Shutdown()
	return code
}

func printHistory(ctx context.Context, w io.Writer, j *journal.Journal, limit int) error {
	total, err := j.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count journal entries: %w", err)
	}
	entries, err := j.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	fmt.Fprintf(w, "%d of %d save requests:\n", len(entries), total)
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-21s  frames=%-5d avgs=%-3d %s\n",
			e.ReceivedAt.Local().Format(time.DateTime), e.RemoteAddr, e.NumFrames, e.NumAvgs, e.FileName)
	}
	return nil
}
