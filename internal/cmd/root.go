// Package cmd implements the scriptq command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dontdude/scriptq/internal/config"
	"github.com/dontdude/scriptq/internal/observability"
)

// VersionInfo is stamped in by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	configFile string
	logLevel   string
	logFormat  string
	serverURL  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "scriptq",
	Short: "Run named scripts in order against one stateful interpreter",
	Long: `scriptq queues named scripts and runs them one at a time against a single
stateful interpreter. Submissions return immediately; values are collected
later by name. A failing script discards everything queued behind it and must
be acknowledged before new work is accepted.

Examples:
  scriptq serve                     # HTTP/WebSocket API on localhost:8080
  scriptq run 'cells/**/*.expr'     # run files in order in a local session
  scriptq submit model.expr         # submit to a running server
  scriptq await model`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./scriptq.yaml or ~/.config/scriptq/scriptq.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console|json)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL for client commands (default: from server.host/port)")

	rootCmd.Version = versionInfo.Version
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	return rootCmd.ExecuteContext(ctx)
}

func initialize(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logFormat != "" {
		logging["format"] = logFormat
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}
	for k, v := range commandOverrides(cmd) {
		overrides[k] = v
	}

	loaded, err := config.LoadFile(configFile, overrides)
	if err != nil {
		return err
	}
	cfg = loaded

	return observability.Init(cfg.Logging.Level, cfg.Logging.Format)
}

// commandOverrides collects config overrides from flags owned by subcommands.
func commandOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	if cmd.Name() != "serve" {
		return out
	}
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	if len(srv) > 0 {
		out["server"] = srv
	}
	if cmd.Flags().Changed("redis") {
		out["redis"] = map[string]any{"enabled": serveRedis}
	}
	return out
}

func apiURL() string {
	if serverURL != "" {
		return serverURL
	}
	return "http://" + cfg.Server.Addr()
}
