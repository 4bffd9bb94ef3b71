package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/searchfly/segrep/http"
)

// EventsCommand represents a command to list recent replication events on a node.
type EventsCommand struct {
	// Target segrep URL
	URL string

	// Maximum number of events to return, newest first.
	Limit int
}

// NewEventsCommand returns a new instance of EventsCommand.
func NewEventsCommand() *EventsCommand {
	return &EventsCommand{
		URL:   DefaultURL,
		Limit: 50,
	}
}

// ParseFlags parses the command line flags & config file.
func (c *EventsCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("segrep-events", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "segrep API URL")
	fs.IntVar(&c.Limit, "limit", 50, "maximum number of events")
	fs.Usage = func() {
		fmt.Println(`
The events command lists recent replication events recorded by a node, newest
first. The node must be running with an event log configured.

Usage:

	segrep events [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}
	return nil
}

// Run executes the command.
func (c *EventsCommand) Run(ctx context.Context) (err error) {
	client := http.NewClient()
	events, err := client.Events(ctx, c.URL, c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "TIME\tROLE\tID\tSHARD\tNODE\tSTATE\tFILES\tBYTES\tTHROTTLE\tERROR")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.EndedAt.Format(time.RFC3339),
			e.Role,
			e.ReplicationID,
			e.Shard,
			e.Node,
			e.State,
			e.Files,
			e.Bytes,
			time.Duration(e.ThrottleNanos),
			e.Error,
		)
	}

	return nil
}
