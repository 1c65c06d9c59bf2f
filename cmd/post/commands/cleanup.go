package commands

import (
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/db"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
)

// CleanupCmd represents the cleanup command
var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old noise activities and optional local state",
	Long: `Delete activities older than the retention window that were
classified as noise and were never part of a post. Newsworthy and
posted activities are kept regardless of age.

Examples:
  post cleanup                     # drop noise older than 90 days
  post cleanup --older-than 30
  post cleanup --blog-checkout     # also remove the blog working copy`,
	RunE: runCleanup,
}

var (
	cleanupOlderThanFlag    int
	cleanupBlogCheckoutFlag bool
)

func init() {
	CleanupCmd.Flags().IntVar(&cleanupOlderThanFlag, "older-than", 90, "Retention window in days")
	CleanupCmd.Flags().BoolVar(&cleanupBlogCheckoutFlag, "blog-checkout", false, "Remove the local blog repository checkout")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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
	cutoff := time.Now().UTC().AddDate(0, 0, -cleanupOlderThanFlag)

	deleted, err := store.DeleteActivitiesBefore(cmd.Context(), cutoff)
	if err != nil {
		return errors.Wrap(err, "cleanup failed")
	}
	pterm.Success.Printf("Deleted %d activities older than %d day(s)\n", deleted, cleanupOlderThanFlag)

	if cleanupBlogCheckoutFlag {
		if cfg.Blog.RepoPath == "" {
			return errors.New("blog.repo_path is not configured")
		}
		if err := os.RemoveAll(cfg.Blog.RepoPath); err != nil {
			return errors.Wrap(err, "failed to remove blog checkout")
		}
		pterm.Success.Printf("Removed blog checkout at %s\n", cfg.Blog.RepoPath)
	}
	return nil
}
