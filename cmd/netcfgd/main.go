//go:build linux

// Command netcfgd is the network configuration daemon of the VPN client.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/config"
	"github.com/nyiyui/netcfg/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	err := rootCmd.Execute()
	if err != nil {
		if util.IsFatal(err) {
			zap.S().Fatalf("%s", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netcfgd",
	Short: "VPN network configuration daemon",
	Long: `netcfgd brings tunnel devices up and down for VPN sessions, keeps their
control channels off the tunnel, and tells observers what changed.`,
	Version:      Version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE:  runServe,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Undo protections left behind by a crashed daemon",
	Long: `Replays the protection journal, removing every host route a previous
netcfgd installed. Run it only while netcfgd is stopped.`,
	RunE: runCleanup,
}

var maskCmd = &cobra.Command{
	Use:   "mask [kind...]",
	Short: "Convert between filter masks and change kinds",
	Long: `Kinds are labels in either form (ROUTE_ADDED or "Route Added") or numbers,
optionally comma-separated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMask,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

var (
	configPath string
	technical  bool
	separator  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to config file")
	maskCmd.Flags().BoolVar(&technical, "technical", false, "print technical labels")
	maskCmd.Flags().StringVar(&separator, "separator", change.DefaultSeparator, "label separator")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(maskCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file. A missing file at the default path means
// defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return c, err
}

func runMask(cmd *cobra.Command, args []string) error {
	m, err := change.ParseMask(args...)
	if err != nil {
		return err
	}
	fmt.Printf("%#04x\t%s\n", uint32(m), change.MaskToString(m, technical, separator))
	return nil
}
