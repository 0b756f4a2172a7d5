// Command ragctl is the operator CLI: it ingests the corpus, asks questions,
// lists indexed documents and reports LLM spend.
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

	"github.com/spf13/cobra"

	"github.com/WessleyAI/docchat/internal/app"
	"github.com/WessleyAI/docchat/pkg/config"
)

// cli carries state shared by every command. The app is built lazily from
// configuration before the first command runs.
type cli struct {
	load    func() (config.Config, error)
	verbose bool
	asJSON  bool

	app *app.App
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{load: config.Load}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.close()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "ragctl",
		Short:        "Operate the docchat knowledge base",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newIngestCmd(c),
		newRemoveCmd(c),
		newAskCmd(c),
		newDocsCmd(c),
		newStatsCmd(c),
		newCostsCmd(c),
	)
	return root
}

func (c *cli) init(stderr io.Writer) error {
	if c.app != nil {
		return nil
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	c.app = app.New(cfg, logger)
	return nil
}

func (c *cli) close() {
	if c.app == nil {
		return
	}
	if err := c.app.Close(); err != nil {
		c.app.Logger.Warn("close", "err", err)
	}
}

// printJSON writes v indented, for --json output.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
