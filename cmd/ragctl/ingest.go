package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/docchat/engine/ingest"
)

func newIngestCmd(c *cli) *cobra.Command {
	var (
		dir         string
		watch       bool
		queue       bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Ingest documents into the vector store",
		Long: `Ingests the given files, or the whole corpus when no path is given.
Paths are relative to the corpus root. With --queue the files are handed to
the ingest workers over NATS instead of being processed here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			if dir == "" {
				dir = a.Cfg.DocsRoot
			}
			ctx := cmd.Context()

			if queue {
				if len(args) == 0 {
					return errors.New("--queue needs at least one path")
				}
				nc, err := a.NATS("ragctl")
				if err != nil {
					return err
				}
				if nc == nil {
					return errors.New("--queue needs NATS_URL")
				}
				for _, p := range args {
					if err := ingest.Submit(ctx, nc, ingest.Job{Path: p}); err != nil {
						return fmt.Errorf("submit %s: %w", p, err)
					}
					cmd.Printf("queued %s\n", p)
				}
				return nc.Flush()
			}

			svc, _, err := a.IngestService(ctx, dir)
			if err != nil {
				return err
			}

			var rep ingest.Report
			if len(args) == 0 {
				if rep, err = svc.IngestDir(ctx, concurrency); err != nil {
					return err
				}
			} else {
				for _, p := range args {
					out, err := svc.IngestFile(ctx, p)
					if err != nil {
						rep.Failures = append(rep.Failures, ingest.Failure{Path: p, Err: err.Error()})
						continue
					}
					rep.Outcomes = append(rep.Outcomes, out)
				}
			}
			if err := printReport(cmd, c.asJSON, rep); err != nil {
				return err
			}

			if watch {
				cmd.Printf("watching %s (Ctrl-C to stop)\n", dir)
				return ingest.NewWatcher(svc, ingest.DefaultDebounce).Run(ctx)
			}
			if len(rep.Failures) > 0 {
				return fmt.Errorf("%d of %d documents failed", len(rep.Failures), len(rep.Failures)+len(rep.Outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "corpus root (default DOCS_ROOT)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and re-ingest changed files")
	cmd.Flags().BoolVar(&queue, "queue", false, "submit jobs to the ingest workers")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", ingest.DefaultConcurrency, "documents processed in parallel")
	cmd.MarkFlagsMutuallyExclusive("watch", "queue")
	return cmd
}

func printReport(cmd *cobra.Command, asJSON bool, rep ingest.Report) error {
	if asJSON {
		return printJSON(cmd, rep)
	}
	for _, o := range rep.Outcomes {
		cmd.Printf("  %-40s %-12s %4d chunks\n", o.DocID, o.Category, o.Chunks)
	}
	for _, f := range rep.Failures {
		cmd.Printf("  FAILED %s: %s\n", f.Path, f.Err)
	}
	cmd.Printf("%d documents, %d chunks, %d failures\n", len(rep.Outcomes), rep.Chunks(), len(rep.Failures))
	return nil
}

func newRemoveCmd(c *cli) *cobra.Command {
	var (
		dir   string
		queue bool
	)
	cmd := &cobra.Command{
		Use:   "remove <path>...",
		Short: "Remove documents from the vector store and catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			ctx := cmd.Context()
			if dir == "" {
				dir = a.Cfg.DocsRoot
			}
			if queue {
				nc, err := a.NATS("ragctl")
				if err != nil {
					return err
				}
				if nc == nil {
					return errors.New("--queue needs NATS_URL")
				}
				for _, p := range args {
					if err := ingest.Submit(ctx, nc, ingest.Job{Path: p, Delete: true}); err != nil {
						return err
					}
				}
				return nc.Flush()
			}

			svc, _, err := a.IngestService(ctx, dir)
			if err != nil {
				return err
			}
			for _, p := range args {
				if err := svc.Remove(ctx, p); err != nil {
					return err
				}
				cmd.Printf("removed %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "corpus root (default DOCS_ROOT)")
	cmd.Flags().BoolVar(&queue, "queue", false, "submit delete jobs to the ingest workers")
	return cmd
}
