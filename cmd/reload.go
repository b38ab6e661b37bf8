package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jiafuei/ccproxy/internal/process"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the running service's configuration",
	Long:  `Signal the running gateway service to reload its configuration. The new provider set is swapped in atomically; in-flight requests finish on the old one.`,
	RunE:  runReload,
}

func runReload(_ *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir)

	if err := procMgr.Reload(); err != nil {
		return err
	}

	color.Green("Reload signal sent")

	return nil
}
