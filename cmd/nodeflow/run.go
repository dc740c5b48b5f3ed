package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/spf13/cobra"
)

// nodeReport is one line of run output.
type nodeReport struct {
	ID     string        `json:"id"`
	Kind   string        `json:"kind"`
	Ref    *nodeflow.Ref `json:"ref,omitempty"`
	Output any           `json:"output,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func runWorkspace(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings(settingsPath)
	if err != nil {
		return err
	}
	if pluginDir != "" {
		settings.Plugins.Dir = pluginDir
	}

	rt, err := newRuntime(settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	if dir := settings.Plugins.Dir; dir != "" {
		if _, err := registerDir(ctx, rt.plugins, dir); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(workspacePath)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	ws, err := nodeflow.ParseWorkspace(data)
	if err != nil {
		return err
	}

	g := rt.graph(nodeflow.WithGraphID(ws.ID))
	defer func() { _ = g.Close() }()
	if err := g.Load(ctx, ws); err != nil {
		return err
	}
	if err := settle(ctx, g, *settings.Ports.Debounce); err != nil {
		return err
	}
	if err := writeReport(cmd.OutOrStdout(), g); err != nil {
		return err
	}

	if !watchPlugins || settings.Plugins.Dir == "" {
		return nil
	}
	return watchDir(ctx, settings.Plugins.Dir, rt.logger, func(path string) {
		v, err := registerFile(ctx, rt.plugins, path)
		if err != nil {
			rt.logger.Error("register plugin", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", v.Ref())
	})
}

// settle waits out the port debounce, then for every component to go idle.
func settle(ctx context.Context, g *nodeflow.Graph, debounce time.Duration) error {
	if debounce > 0 {
		t := time.NewTimer(2 * debounce)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return g.Wait(ctx)
}

// writeReport prints one JSON object per node, in insertion order.
func writeReport(w io.Writer, g *nodeflow.Graph) error {
	enc := json.NewEncoder(w)
	for _, c := range g.Nodes() {
		r := nodeReport{ID: c.ID(), Kind: c.Kind(), Ref: c.Ref(), Output: c.Output()}
		if err := c.Error(); err != nil {
			r.Error = err.Error()
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}
