package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oriys/polaris/internal/config"
	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/output"
	"github.com/oriys/polaris/internal/store"
	"github.com/oriys/polaris/internal/viewer"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	databaseURL  string
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lyra",
		Short: "Lyra pipeline viewer",
		Long:  "Read-only lookups against the rating store: requests by state, one request with its findings, and domain verdicts",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Database URL override")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, wide, json, yaml)")
	rootCmd.AddCommand(
		requestsCmd(),
		showCmd(),
		domainsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openViewer builds a viewer against the configured store. The caller
// runs the returned closer when done.
func openViewer(ctx context.Context) (*viewer.Viewer, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}

	st, err := store.Open(ctx, cfg.Database.Backend, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}

	printer := output.NewPrinter(output.ParseFormat(outputFormat))
	return viewer.New(st, printer), func() { _ = st.Close() }, nil
}

func requestsCmd() *cobra.Command {
	var (
		state string
		since string
		until string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List rating requests by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseState(state)
			if err != nil {
				return err
			}
			from, err := parseTime(since)
			if err != nil {
				return err
			}
			to, err := parseTime(until)
			if err != nil {
				return err
			}

			ctx := context.Background()
			v, closeStore, err := openViewer(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			return v.Requests(ctx, st, from, to, limit)
		},
	}

	cmd.Flags().StringVar(&state, "state", "queued", "Request state (queued, scanned, permitted, denied)")
	cmd.Flags().StringVar(&since, "since", "", "Only requests created at or after this time")
	cmd.Flags().StringVar(&until, "until", "", "Only requests created at or before this time")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one request with its findings and error records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("request id must be a number, got %q", args[0])
			}

			ctx := context.Background()
			v, closeStore, err := openViewer(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			return v.Show(ctx, id)
		},
	}
}

func domainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains <name>",
		Short: "Show a domain's stored verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			v, closeStore, err := openViewer(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			return v.Domain(ctx, args[0])
		},
	}
}

func parseState(s string) (domain.State, error) {
	switch st := domain.State(s); st {
	case domain.StateQueued, domain.StateScanned, domain.StatePermitted, domain.StateDenied:
		return st, nil
	default:
		return "", fmt.Errorf("unknown state %q (want queued, scanned, permitted, or denied)", s)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want YYYY-MM-DD or RFC3339)", s)
}
