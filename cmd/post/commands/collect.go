package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/collect"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
)

// CollectCmd represents the collect command
var CollectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Gather activity from all configured sources",
	Long: `Fetch recent activity from every configured source (Matrix chat,
GitHub, crawler statistics), deduplicate it into the database, and
classify each new item as newsworthy or noise. Nothing is published.

Examples:
  post collect              # look back over the configured window
  post collect --hours 72   # look back 72 hours`,
	RunE: runCollect,
}

var collectHoursFlag int

func init() {
	CollectCmd.Flags().IntVar(&collectHoursFlag, "hours", 0, "Lookback window in hours (0 = configured default)")
}

func runCollect(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	lookback := a.cfg.Collect.Lookback()
	if collectHoursFlag > 0 {
		lookback = time.Duration(collectHoursFlag) * time.Hour
	}

	since := time.Now().UTC().Add(-lookback)
	summaries, err := runCollection(cmd, a, since)
	if err != nil {
		return err
	}

	printSourceTable(summaries)
	return collectionError(summaries)
}

func runCollection(cmd *cobra.Command, a *app, since time.Time) ([]collect.SourceSummary, error) {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	var spinner *pterm.SpinnerPrinter
	if logger.ShouldOutput(verbosity, logger.OutputProgress) {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Collecting activity since %s...", since.Format(time.RFC3339)))
	}
	summaries, err := a.pipeline.Run(cmd.Context(), since)
	if err != nil {
		if spinner != nil {
			spinner.Fail("Collection aborted")
		}
		return nil, errors.Wrap(err, "collection run failed")
	}
	if spinner != nil {
		spinner.Success("Collection finished")
	}
	return summaries, nil
}

func printSourceTable(summaries []collect.SourceSummary) {
	data := pterm.TableData{
		{"Source", "Collected", "Admitted", "Duplicates", "Newsworthy", "Failed", "Status"},
	}
	for _, s := range summaries {
		status := "ok"
		if s.Err != nil {
			status = s.Err.Error()
		}
		data = append(data, []string{
			s.Source,
			fmt.Sprintf("%d", s.Collected),
			fmt.Sprintf("%d", s.Admitted),
			fmt.Sprintf("%d", s.Duplicates),
			fmt.Sprintf("%d", s.Newsworthy),
			fmt.Sprintf("%d", s.Failed),
			status,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// collectionError returns ErrPartialFailure when some sources failed but at
// least one ran, and a plain error when every source failed.
func collectionError(summaries []collect.SourceSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	failed := 0
	for _, s := range summaries {
		if s.Err != nil || s.Failed > 0 {
			failed++
		}
	}
	switch {
	case failed == 0:
		return nil
	case failed == len(summaries):
		return errors.New("all sources failed")
	default:
		return errors.Wrapf(ErrPartialFailure, "%d of %d sources had failures", failed, len(summaries))
	}
}
