package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mwmbl/post/cmd/post/commands"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
)

var rootCmd = &cobra.Command{
	Use:   "post",
	Short: "Mwmbl activity aggregation and publishing",
	Long: `post collects activity from the Mwmbl community — Matrix chat, GitHub
repositories, and crawler statistics — filters it for newsworthiness, and
publishes daily microblog posts and a weekly blog digest.

Examples:
  post initdb              # Create or migrate the database
  post collect             # Gather new activity from all sources
  post daily               # Run one daily publish cycle
  post weekly              # Run one weekly digest cycle
  post stats               # Show activity and post counts
  post check               # Verify destinations and credentials`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to post.toml (default: ./post.toml, then ~/.config/post/)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.InitDBCmd)
	rootCmd.AddCommand(commands.CollectCmd)
	rootCmd.AddCommand(commands.DailyCmd)
	rootCmd.AddCommand(commands.WeeklyCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.CheckCmd)
	rootCmd.AddCommand(commands.CleanupCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, commands.ErrPartialFailure) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
