package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foresight",
		Short:         "Ingest posts, videos and articles from Reddit, YouTube and RSS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./foresight.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with credentials")

	root.AddCommand(ingestCmd())
	root.AddCommand(settingsCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(itemCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func ingestCmd() *cobra.Command {
	var (
		skipPersist bool
		sources     []string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), skipPersist, sources, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&skipPersist, "skip-persist", false, "fetch and normalize without writing anything")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "only run these sources, by name or kind (e.g. reddit, rss:adweek)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the run report as JSON")
	return cmd
}

func settingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Show resolved settings with credentials redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettings()
		},
	}
}

func itemsCmd() *cobra.Command {
	var (
		kind       string
		sourceName string
		since      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List items from the local index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItems(cmd.Context(), kind, sourceName, since, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&kind, "source", "", "filter by kind (reddit, youtube, rss)")
	cmd.Flags().StringVar(&sourceName, "source-name", "", "filter by source name (e.g. reddit:BuyItForLife)")
	cmd.Flags().StringVar(&since, "since", "", "only items published within this duration (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max items to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func itemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "item <source> <external-id>",
		Short: "Show one persisted item from the configured backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItem(cmd.Context(), args[0], args[1])
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
