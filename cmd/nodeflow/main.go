// Command nodeflow runs saved workspaces and manages plugin versions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	settingsPath string

	rootCmd = &cobra.Command{
		Use:   "nodeflow",
		Short: "Run reactive component graphs",
		Long: `nodeflow loads a workspace (nodes and edges), wires it into a live
graph and prints each node's output once propagation settles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Load a workspace and print node outputs",
		Args:  cobra.NoArgs,
		RunE:  runWorkspace,
	}
	workspacePath string
	pluginDir     string
	watchPlugins  bool

	pluginCmd = &cobra.Command{
		Use:   "plugin",
		Short: "Manage versioned plugin components",
	}
	pluginRegisterCmd = &cobra.Command{
		Use:   "register [key] [file]",
		Short: "Register a plugin source as the next version of key",
		Args:  cobra.ExactArgs(2),
		RunE:  runPluginRegister,
	}
	pluginListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered plugin versions",
		Args:  cobra.NoArgs,
		RunE:  runPluginList,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file (.yaml, .yml or .json)")

	runCmd.Flags().StringVarP(&workspacePath, "workspace", "w", "", "workspace file (.yaml or .json)")
	runCmd.Flags().StringVar(&pluginDir, "plugins", "", "directory of <key>.go plugin sources (overrides settings)")
	runCmd.Flags().BoolVar(&watchPlugins, "watch", false, "register new plugin versions when sources change")
	_ = runCmd.MarkFlagRequired("workspace")

	pluginCmd.AddCommand(pluginRegisterCmd, pluginListCmd)
	rootCmd.AddCommand(runCmd, pluginCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
