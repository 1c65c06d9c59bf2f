package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
	"github.com/mwmbl/post/publish"
	"github.com/mwmbl/post/schedule"
)

// Pre-collection lookbacks. The daily cycle only needs the gap since the
// last run; the weekly digest wants the whole window fresh.
const (
	dailyCollectLookback  = 2 * time.Hour
	weeklyCollectLookback = 168 * time.Hour
)

// DailyCmd represents the daily command
var DailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run one daily posting cycle",
	Long: `Collect recent activity, pick the newest unconsumed newsworthy
items within the daily budget, and publish each to the microblog
destinations. A cycle inside the minimum post interval is skipped.

Examples:
  post daily
  post daily --skip-collect   # publish from what is already stored`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd, activity.CycleDaily, dailyCollectLookback)
	},
}

// WeeklyCmd represents the weekly command
var WeeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Run one weekly digest cycle",
	Long: `Collect the week's activity, render it into a digest post for the
blog, and follow a successful blog publish with a short announcement on
the microblog destinations.

Examples:
  post weekly
  post weekly --skip-collect`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd, activity.CycleWeekly, weeklyCollectLookback)
	},
}

var skipCollectFlag bool

func init() {
	DailyCmd.Flags().BoolVar(&skipCollectFlag, "skip-collect", false, "Skip the pre-publish collection pass")
	WeeklyCmd.Flags().BoolVar(&skipCollectFlag, "skip-collect", false, "Skip the pre-publish collection pass")
}

func runCycle(cmd *cobra.Command, cycleType activity.CycleType, lookback time.Duration) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().UTC()

	collectFailed := false
	if !skipCollectFlag {
		summaries, err := runCollection(cmd, a, now.Add(-lookback))
		if err != nil {
			return err
		}
		printSourceTable(summaries)
		for _, s := range summaries {
			if s.Err != nil || s.Failed > 0 {
				collectFailed = true
			}
		}
		pterm.Println()
	}

	outcome, err := a.scheduler.RunCycle(cmd.Context(), cycleType, now)
	if err != nil {
		return errors.Wrapf(err, "%s cycle failed", cycleType)
	}

	if outcome.Skipped {
		pterm.Info.Printf("Cycle skipped: %v\n", outcome.Reason)
		return nil
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	printOutcome(outcome, verbosity)
	return cycleError(outcome, collectFailed)
}

func printOutcome(o *schedule.Outcome, verbosity int) {
	pterm.Info.Printf("%s cycle: %d candidate(s) selected\n", o.CycleType, o.Selected)

	data := pterm.TableData{
		{"Candidate", "Destination", "Status", "Attempts", "Reference"},
	}
	for i, cr := range o.Candidates {
		label := candidateLabel(i, cr.Candidate)
		for _, dest := range []activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB, activity.DestBlog} {
			result, ok := cr.Results[dest]
			if !ok {
				continue
			}
			ref := result.ExternalRef
			if result.Err != nil {
				ref = result.Err.Error()
			}
			data = append(data, []string{
				label,
				string(dest),
				statusLabel(result.Status),
				fmt.Sprintf("%d", result.Attempts),
				ref,
			})
			label = ""
		}
	}
	if len(data) > 1 {
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	if len(o.IntervalSkipped) > 0 && logger.ShouldOutput(verbosity, logger.OutputSelection) {
		pterm.Info.Printf("Held back by post interval: %v\n", o.IntervalSkipped)
	}
	pterm.Printf("Succeeded: %d  Retryable: %d  Permanent: %d\n",
		len(o.Succeeded), len(o.Retryable), len(o.Permanent))
}

func candidateLabel(i int, c *activity.Candidate) string {
	if c.Announcement {
		return "announcement"
	}
	if c.CycleType == activity.CycleWeekly {
		return "weekly digest"
	}
	if len(c.Activities) == 1 {
		return c.Activities[0].Payload.Title
	}
	return fmt.Sprintf("candidate %d", i+1)
}

func statusLabel(s publish.Status) string {
	switch s {
	case publish.StatusSucceeded:
		return "succeeded"
	case publish.StatusAlreadySucceeded:
		return "already published"
	case publish.StatusFailedRetryable:
		return "failed (will retry)"
	case publish.StatusFailedPermanent:
		return "failed (permanent)"
	default:
		return "unknown"
	}
}

// cycleError maps an outcome to process exit semantics: every post failing
// is a total failure, any failure beside a success is partial.
func cycleError(o *schedule.Outcome, collectFailed bool) error {
	failed := len(o.Retryable) + len(o.Permanent)
	switch {
	case failed > 0 && len(o.Succeeded) == 0:
		return errors.Newf("all %d post(s) failed", failed)
	case failed > 0 || collectFailed:
		return errors.Wrapf(ErrPartialFailure, "%d post(s) failed", failed)
	default:
		return nil
	}
}
