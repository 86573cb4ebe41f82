package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	EnvFile string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "cookie-refresh",
	Short: "Keep session cookies of email-gated accounts fresh",
	Long: `cookie-refresh renews the session cookies of a population of
email-gated accounts before they expire.

For every account close to expiry it signs in to the account's disposable
mailbox, drives the email + one-time-code login through a WebDriver
endpoint, harvests the new session cookies and persists the population to
a local JSON file and an optional remote store. The downstream gateway is
then asked to reload.

Usage:
  cookie-refresh [command] [flags]

Available Commands:
  refresh    Refresh every account close to expiry
  sync       Push the local file to the remote store and the gateway
  status     Show the population and the last attempts
  check      Check connectivity to every collaborator
  serve      Run periodically and expose the status API
  version    Print version information

Flags:
  --config string     Path to configuration file (default "config.yaml")
  --env-file string   Dotenv file loaded before the config (default ".env")
  --verbose           Enable debug logging
  --json              Output in JSON format

Use "cookie-refresh [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv("COOKIE_REFRESH_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.EnvFile, "env-file", ".env", "Dotenv file loaded before the config (empty to disable)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable debug logging")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	// Add version command
	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of cookie-refresh",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

var globalFlags GlobalFlags

// printVersion prints the version information
func printVersion(w io.Writer) {
	info := GetVersionInfo()
	fmt.Fprintln(w, "cookie-refresh Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
}

// Set at build time with -ldflags "-X".
var (
	version   = "0.1.0"
	buildDate = "unknown"
)

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: buildDate,
	}
}
