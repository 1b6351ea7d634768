// Command lvsave asks a LiveView acquisition server to save frames.
//
// With an address it polls: a save request is sent immediately and then on every
// interval until interrupted.
//
//	lvsave [flags] <ip> <port>
//
// Without an address it sends one request to the server named in the configuration
// file and exits 0 if the save was confirmed, 2 otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/liveview/lvsave/internal/client"
	"github.com/liveview/lvsave/internal/config"
	"github.com/liveview/lvsave/internal/logger"
	"github.com/liveview/lvsave/internal/protocol"
)

const (
	exitOK         = 0
	exitConnection = 1
	exitFailed     = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lvsave", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "lvsave.yaml", "Path to config YAML file")
	fileName := fs.String("file", "./Hello.dat", "File the server should save frames to")
	frames := fs.Int("frames", 100, "Number of frames to save")
	avgs := fs.Int("avgs", 1, "Number of acquisitions averaged into each frame")
	interval := fs.Duration("interval", 20*time.Second, "Delay between requests when polling")
	once := fs.Bool("once", false, "Send a single request even when an address is given")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lvsave [flags] [ip port]\n\n")
		fmt.Fprintf(stderr, "Requests a LiveView server to save frames. With ip and port the request\n")
		fmt.Fprintf(stderr, "is repeated every interval until interrupted; without them a single\n")
		fmt.Fprintf(stderr, "request is sent to the server named in the config file.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFailed
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load config %s: %v\n", *configFile, err)
		return exitFailed
	}

	logConfig, _ := logger.LoadConfig(*configFile)
	if err := logger.Initialize(logConfig); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	// Explicit flags override the config file.
	cc := cfg.Client
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "file":
			cc.FileName = *fileName
		case "frames":
			cc.NumFrames = *frames
		case "avgs":
			cc.NumAvgs = *avgs
		}
	})
	pollInterval := cc.PollInterval()
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "interval" {
			pollInterval = *interval
		}
	})

	polling := false
	switch fs.NArg() {
	case 0:
	case 2:
		port, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid port %q\n", fs.Arg(1))
			fs.Usage()
			return exitFailed
		}
		cc.Host = fs.Arg(0)
		cc.Port = port
		polling = !*once
	default:
		fs.Usage()
		return exitFailed
	}

	req, err := protocol.NewSaveRequest(cc.FileName, cc.NumFrames, cc.NumAvgs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid request: %v\n", err)
		return exitFailed
	}

	c, err := client.Dial(ctx, client.NewConfig(cc))
	if err != nil {
		fmt.Fprintln(stdout, connectErrorMessage(err))
		return exitConnection
	}
	defer c.Close()

	if !polling {
		fmt.Fprintln(stdout, "Sending a request to save frames...")
		result, err := c.Do(ctx, req)
		if !printResult(stdout, c.Target(), req, result, err) {
			return exitFailed
		}
		return exitOK
	}

	fmt.Fprintf(stdout, "Requesting to save frames every %s indefinitely. Press Ctrl-C to exit.\n", formatInterval(pollInterval))
	err = c.Poll(ctx, req, pollInterval, func(result client.Result, err error) {
		fmt.Fprintln(stdout, "Sending a request to save frames...")
		printResult(stdout, c.Target(), req, result, err)
	})
	if err != nil {
		fmt.Fprintf(stdout, "The following error occurred: %v\n", err)
		return exitConnection
	}

	fmt.Fprintln(stdout, "Disconnecting...")
	return exitOK
}

// printResult reports one exchange and returns whether the save was confirmed.
func printResult(w io.Writer, target client.Target, req protocol.SaveRequest, result client.Result, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		fmt.Fprintf(w, "Request failed: %v\n", err)
		return false
	}

	switch result.Outcome {
	case client.OutcomeSaved:
		fmt.Fprintf(w, "Sent command to save %d frames to the file %s on %s\n", req.NumFrames, req.FileName, target.Host)
		fmt.Fprintln(w, "Received a reply!")
		return true
	case client.OutcomeRejected:
		fmt.Fprintf(w, "Received an error: %s\n", result.Message)
	case client.OutcomeUnexpected:
		fmt.Fprintf(w, "Unexpected response from server: %s\n", result.Raw)
	case client.OutcomeNoReply:
		fmt.Fprintln(w, "No reply from server.")
	}
	return false
}

func connectErrorMessage(err error) string {
	switch {
	case errors.Is(err, client.ErrHostNotFound):
		return "The requested host name could not be found. " +
			"Please check the host name and port settings and try again."
	case errors.Is(err, client.ErrConnectionRefused):
		return "The connection was refused by the peer. Make sure that " +
			"LiveView is running, and check that the host name and port " +
			"settings are correct."
	default:
		return fmt.Sprintf("The following error occurred: %v", err)
	}
}

// formatInterval prints whole seconds as "20 seconds" and anything else as a duration.
func formatInterval(d time.Duration) string {
	if d%time.Second == 0 {
		n := int(d / time.Second)
		if n == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", n)
	}
	return d.String()
}
