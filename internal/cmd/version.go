package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// Version needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		v := crucible.GetVersion()
		info := map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
			"go_version": runtime.Version(),
			"crucible":   v.Crucible,
			"gofulmen":   v.Gofulmen,
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return encodeJSON(out, info)
		}
		_, _ = fmt.Fprintf(out, "pushq %s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(out, "commit=%s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "build_date=%s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "go=%s\n", runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
