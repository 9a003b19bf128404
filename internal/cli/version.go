package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X github.com/coscribe/coscribe/internal/cli.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = "unknown"
)

// versionInfo is the version command's payload.
type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{
				Format:  rootOpts.Format,
				Writer:  cmd.OutOrStdout(),
				Verbose: rootOpts.Verbose,
			}
			if rootOpts.Format == "json" {
				return out.Success(versionInfo{Version: Version, Commit: Commit})
			}
			return out.Success(fmt.Sprintf("coscribe %s (%s)", Version, Commit))
		},
	}
}
