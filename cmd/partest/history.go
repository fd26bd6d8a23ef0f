package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/loykin/partest/internal/history"
	"github.com/loykin/partest/internal/history/factory"
)

func createHistoryCommand(c *cli) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded session events",
	}
	cmd.PersistentFlags().StringVar(&f.DSN, "dsn", "", "history DSN (default from config)")

	show := &cobra.Command{
		Use:   "show",
		Short: "List the events of one session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Session == "" {
				return errors.New("--session is required")
			}
			sink, closeSink, err := c.openHistory(f.DSN)
			if err != nil {
				return err
			}
			defer closeSink()
			r, ok := sink.(history.Reader)
			if !ok {
				return fmt.Errorf("history backend %T cannot list events", sink)
			}
			events, err := r.Events(cmd.Context(), f.Session)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), events, f.Output)
		},
	}
	show.Flags().StringVar(&f.Session, "session", "", "session id")
	show.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table|json")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete events older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.OlderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			sink, closeSink, err := c.openHistory(f.DSN)
			if err != nil {
				return err
			}
			defer closeSink()
			p, ok := sink.(history.Purger)
			if !ok {
				return fmt.Errorf("history backend %T does not support purge", sink)
			}
			n, err := p.Purge(cmd.Context(), time.Now().Add(-f.OlderThan))
			if err != nil {
				return err
			}
			c.log.Info("history purged", "removed", n, "older_than", f.OlderThan)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return err
		},
	}
	purge.Flags().DurationVar(&f.OlderThan, "older-than", 7*24*time.Hour, "retention window")

	cmd.AddCommand(show, purge)
	return cmd
}

// openHistory opens the sink strictly; unlike historySink a failure here is
// the command's error.
func (c *cli) openHistory(dsn string) (history.Sink, func(), error) {
	if dsn == "" {
		dsn = c.cfg.History.DSN
	}
	if dsn == "" {
		return nil, nil, errors.New("no history DSN configured")
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() {
		if cl, ok := sink.(io.Closer); ok {
			_ = cl.Close()
		}
	}, nil
}

func printEvents(w io.Writer, events []history.Event, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Event", "PID", "Detail")
	for _, e := range events {
		pid := "-"
		if e.PID > 0 {
			pid = strconv.Itoa(e.PID)
		}
		if err := table.Append([]string{e.OccurredAt.Format(time.RFC3339Nano), string(e.Type), pid, e.Detail}); err != nil {
			return err
		}
	}
	return table.Render()
}
