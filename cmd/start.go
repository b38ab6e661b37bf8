package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jiafuei/ccproxy/internal/process"
	"github.com/jiafuei/ccproxy/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway service",
	Long:  `Start the LLM gateway service in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration error: %v", err)
		color.Yellow("Run '%s config init' to create a configuration", AppName)

		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("starting service",
		"host", cfg.Host,
		"port", cfg.Port,
		"providers", len(cfg.Providers),
		"models", len(cfg.Models),
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	srv, err := server.New(cfgMgr, logger)
	if err != nil {
		return err
	}

	return srv.Start()
}
