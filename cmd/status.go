package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jiafuei/ccproxy/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway service status",
	Run:   runStatus,
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-12s: %v\n", "Running", procMgr.IsRunning())
	fmt.Printf("  %-12s: %d\n", "PID", procMgr.ReadPID())

	if cfg, err := cfgMgr.Get(); err == nil {
		fmt.Printf("  %-12s: http://%s:%d\n", "Endpoint", cfg.Host, cfg.Port)
		fmt.Printf("  %-12s: %d\n", "Providers", len(cfg.Providers))
		fmt.Printf("  %-12s: %d\n", "Models", len(cfg.Models))
	}

	fmt.Printf("  %-12s: %s\n", "Config", cfgMgr.Path())
	fmt.Printf("  %-12s: v%s\n", "Version", Version)
}
