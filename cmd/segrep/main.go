package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Build information, set by -ldflags.
var (
	Version = ""
	Commit  = ""
)

// DefaultURL is the default URL to connect to a local segrep node.
const DefaultURL = "http://localhost:20202"

func main() {
	log.SetFlags(0)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "run":
		c := NewRunCommand()
		if err := c.ParseFlags(ctx, args); err == flag.ErrHelp {
			os.Exit(2)
		} else if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		if err := c.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			_ = c.Close()
			os.Exit(1)
		}

		// Wait for signal or subcommand exit to stop program.
		select {
		case err := <-c.ExecCh():
			cancel()
			fmt.Println("subprocess exited, segrep shutting down")
			if err != nil && !strings.HasPrefix(err.Error(), "signal:") {
				fmt.Fprintln(os.Stderr, "subprocess error:", err)
			}

		case sig := <-signalCh:
			if cmd := c.Cmd(); cmd != nil {
				fmt.Println("sending signal to exec process")
				if err := cmd.Process.Signal(sig); err != nil {
					fmt.Fprintln(os.Stderr, "cannot signal exec process:", err)
					os.Exit(1)
				}

				fmt.Println("waiting for exec process to close")
				if err := <-c.ExecCh(); err != nil && !strings.HasPrefix(err.Error(), "signal:") {
					fmt.Fprintln(os.Stderr, "cannot wait for exec process:", err)
					os.Exit(1)
				}
			}

			cancel()
			fmt.Println("signal received, segrep shutting down")
		}

		if err := c.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

	case "import":
		runCommand(ctx, NewImportCommand(), args)
	case "export":
		runCommand(ctx, NewExportCommand(), args)
	case "events":
		runCommand(ctx, NewEventsCommand(), args)

	case "version":
		fmt.Println(VersionString())

	default:
		if strings.HasPrefix(cmd, "-") {
			fmt.Fprintln(os.Stderr, "flags must be specified after the command")
		} else {
			fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		}
		printUsage()
		os.Exit(2)
	}
}

type command interface {
	ParseFlags(ctx context.Context, args []string) error
	Run(ctx context.Context) error
}

func runCommand(ctx context.Context, c command, args []string) {
	if err := c.ParseFlags(ctx, args); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := c.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// VersionString returns the version & commit for display.
func VersionString() string {
	if Version != "" {
		return fmt.Sprintf("segrep %s, commit=%s", Version, Commit)
	} else if Commit != "" {
		return fmt.Sprintf("segrep commit=%s", Commit)
	}
	return "segrep development build"
}

func printUsage() {
	fmt.Println(`
segrep is a segment replication server for search clusters.

Usage:

	segrep <command> [arguments]

The commands are:

	run      runs the segrep replication node
	import   imports a directory of segment files into a cluster
	export   exports a snapshot of an index from a cluster
	events   lists recent replication events on a node
	version  prints the version
`[1:])
}
