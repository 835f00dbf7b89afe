package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs a single crawl
// cycle and waits for the queued downloads.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl cycle and exits",
		Long: `Syncs the configured watchers, crawls every source once, persists what
was found and waits for the attachment downloads queued by the cycle.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer app.Close(cmd.Context())

	summary, err := app.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	failed := 0
	for _, w := range summary.Watchers {
		if !w.IsSuccessful {
			failed++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"crawled %d boards in %s: %s threads, %s posts, %s attachments (%d of %d watchers failed)\n",
		summary.Boards,
		summary.Duration.Round(time.Millisecond),
		humanize.Comma(int64(summary.Threads)),
		humanize.Comma(int64(summary.Posts)),
		humanize.Comma(int64(summary.Attachments)),
		failed,
		len(summary.Watchers),
	)
	return nil
}
