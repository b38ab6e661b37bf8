package cmd

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Execute Claude Code against the gateway",
	Long:  `Run the claude CLI with ANTHROPIC_BASE_URL pointed at the gateway. The service must already be running.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runCode,
}

func runCode(_ *cobra.Command, args []string) error {
	cfg, err := cfgMgr.Get()
	if err != nil {
		return err
	}

	env := filterEnv(os.Environ(), "ANTHROPIC_AUTH_TOKEN", "ANTHROPIC_API_KEY")

	if cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.APIKey)
	} else {
		env = append(env, "ANTHROPIC_AUTH_TOKEN=proxy")
	}

	env = append(env,
		"ANTHROPIC_BASE_URL=http://"+cfg.Host+":"+strconv.Itoa(cfg.Port),
		"API_TIMEOUT_MS=600000",
	)

	claudeCmd := exec.Command("claude", args...)
	claudeCmd.Env = env
	claudeCmd.Stdin = os.Stdin
	claudeCmd.Stdout = os.Stdout
	claudeCmd.Stderr = os.Stderr

	return claudeCmd.Run()
}

func filterEnv(env []string, keys ...string) []string {
	filtered := env[:0:0]

	for _, e := range env {
		drop := false

		for _, key := range keys {
			if strings.HasPrefix(e, key+"=") {
				drop = true
				break
			}
		}

		if !drop {
			filtered = append(filtered, e)
		}
	}

	return filtered
}
