package commands

import (
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/errors"
)

// CheckCmd represents the check command
var CheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify connectivity to the database and every destination",
	Long: `Ping the database and each publishing destination, and report
whether the summary API is configured. Use this after editing
credentials to confirm the setup before a cycle runs.

Examples:
  post check`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	failures := 0

	if err := a.store.Ping(ctx); err != nil {
		pterm.Error.Printf("✗ database: %v\n", err)
		failures++
	} else {
		pterm.Success.Printf("✓ database (%s)\n", a.cfg.Database.Path)
	}

	results := a.coordinator.Ping(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			pterm.Error.Printf("✗ %s: %v\n", name, err)
			failures++
		} else {
			pterm.Success.Printf("✓ %s\n", name)
		}
	}

	if a.client.IsConfigured() {
		pterm.Success.Println("✓ summary API configured")
	} else {
		pterm.Warning.Println("- summary API not configured, weekly digests use the fallback format")
	}

	if failures > 0 {
		return errors.Newf("%d check(s) failed", failures)
	}
	return nil
}
