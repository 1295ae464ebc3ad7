package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/polar/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show polar version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), info)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, info.String())
		fmt.Fprintf(out, "Platform: %s\n", info.Platform)
		fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	addJSONFlag(VersionCmd)
}
