package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/plugin"
	"github.com/spf13/cobra"
)

func runPluginRegister(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	source, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read plugin source: %w", err)
	}
	before := len(rt.plugins.Versions(args[0]))
	v, err := rt.plugins.Register(cmd.Context(), args[0], string(source))
	if err != nil {
		return err
	}
	// Compile eagerly so a broken source is reported at registration.
	if _, err := rt.plugins.Resolve(cmd.Context(), v.Key, v.Version); err != nil {
		return err
	}
	if len(rt.plugins.Versions(args[0])) == before {
		fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged: source matches the latest version (%s)\n", v.Ref(), v.Hash[:12])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", v.Ref(), v.Hash[:12])
	return nil
}

func runPluginList(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tHASH\tCREATED")
	for _, v := range rt.plugins.Definitions() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", v.Key, v.Version, v.Hash[:12], v.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func openRuntime() (*runtime, error) {
	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	return newRuntime(settings)
}

// pluginKey maps "dir/shout.go" to "shout". Test files and non-Go files
// are not plugins.
func pluginKey(path string) (string, bool) {
	base := filepath.Base(path)
	if filepath.Ext(base) != ".go" || strings.HasSuffix(base, "_test.go") {
		return "", false
	}
	key := strings.TrimSuffix(base, ".go")
	return key, key != ""
}

func registerFile(ctx context.Context, reg *plugin.Registry, path string) (plugin.Version, error) {
	key, ok := pluginKey(path)
	if !ok {
		return plugin.Version{}, fmt.Errorf("%s is not a plugin source", path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return plugin.Version{}, fmt.Errorf("read plugin source: %w", err)
	}
	return reg.Register(ctx, key, string(source))
}

// registerDir registers every plugin source in dir, in file name order.
func registerDir(ctx context.Context, reg *plugin.Registry, dir string) ([]plugin.Version, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := pluginKey(e.Name()); ok && !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	versions := make([]plugin.Version, 0, len(names))
	for _, name := range names {
		v, err := registerFile(ctx, reg, filepath.Join(dir, name))
		if err != nil {
			return versions, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}
