package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/config"
	"github.com/mwmbl/post/errors"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the post configuration file",
	Long: `Manage the TOML configuration file. Credentials are read from
POST_* environment variables and never written to the file.

Examples:
  post config init
  post config init --path /etc/post/post.toml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file populated with defaults",
	RunE:  runConfigInit,
}

var configPathFlag string

func init() {
	ConfigCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringVar(&configPathFlag, "path", "post.toml", "Where to write the configuration file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.WriteDefault(configPathFlag); err != nil {
		return errors.Wrap(err, "failed to write configuration")
	}
	pterm.Success.Printf("Wrote default configuration to %s\n", configPathFlag)
	pterm.Info.Println("Set credentials via POST_MATRIX_PASSWORD, POST_GITHUB_TOKEN, POST_BLUESKY_APP_PASSWORD, POST_MASTODON_ACCESS_TOKEN, POST_BLOG_TOKEN, and POST_SUMMARY_API_KEY")
	return nil
}
