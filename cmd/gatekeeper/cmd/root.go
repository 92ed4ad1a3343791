package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper guards an administrative HTTP API",
	Long: `Gatekeeper authenticates requests to an administrative HTTP API with
passwords, client certificates and server-side sessions.
Complete documentation is available at https://github.com/jmcleod/gatekeeper`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (YAML)")
}

// loadConfig reads the configuration, letting any of the named flags that
// were set on cmd override the file and environment.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	var opts []config.LoadOption
	if len(flagKeys) > 0 {
		opts = append(opts, config.WithFlags(cmd.Flags(), flagKeys))
	}
	cfg, err := config.Load(configFile, opts...)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
