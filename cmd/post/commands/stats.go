package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/db"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
)

// StatsCmd represents the stats command
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored activity and posting statistics",
	Long: `Display how much activity each source has produced, how many items
were classified newsworthy, and how posts fared per destination over
the chosen window.

Examples:
  post stats             # last 7 days
  post stats --days 30`,
	RunE: runStats,
}

var statsDaysFlag int

func init() {
	StatsCmd.Flags().IntVar(&statsDaysFlag, "days", 7, "Window in days")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	store := activity.NewStore(conn)
	ctx := cmd.Context()
	since := time.Now().UTC().AddDate(0, 0, -statsDaysFlag)

	bySource, err := store.CountActivitiesBySource(ctx, since)
	if err != nil {
		return errors.Wrap(err, "failed to count activities")
	}
	newsworthy, err := store.CountNewsworthy(ctx, since)
	if err != nil {
		return errors.Wrap(err, "failed to count newsworthy activities")
	}
	byDest, err := store.CountPostsByDestination(ctx, since)
	if err != nil {
		return errors.Wrap(err, "failed to count posts")
	}

	pterm.DefaultHeader.Printf("Activity over the last %d day(s)", statsDaysFlag)
	pterm.Println()

	total := 0
	sourceData := pterm.TableData{{"Source", "Activities"}}
	for _, src := range []activity.Source{activity.SourceChat, activity.SourceRepository, activity.SourceStatistics} {
		sourceData = append(sourceData, []string{string(src), fmt.Sprintf("%d", bySource[src])})
		total += bySource[src]
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(sourceData).Render()
	pterm.Printf("Total: %d, newsworthy: %d\n", total, newsworthy)
	pterm.Println()

	postData := pterm.TableData{{"Destination", "Pending", "Succeeded", "Retryable", "Permanent"}}
	for _, dest := range []activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB, activity.DestBlog} {
		counts := byDest[dest]
		postData = append(postData, []string{
			string(dest),
			fmt.Sprintf("%d", counts[activity.PostPending]),
			fmt.Sprintf("%d", counts[activity.PostSucceeded]),
			fmt.Sprintf("%d", counts[activity.PostFailedRetryable]),
			fmt.Sprintf("%d", counts[activity.PostFailedPermanent]),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(postData).Render()
	return nil
}
