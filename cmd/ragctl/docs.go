package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/docchat/engine/catalog"
	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/engine/rag"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/metrics"
)

// statsTimeout bounds the NATS stats request.
const statsTimeout = 5 * time.Second

func newAskCmd(c *cli) *cobra.Command {
	var (
		category string
		topK     int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the knowledge base a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			ctx := cmd.Context()
			store, err := a.Store(ctx)
			if err != nil {
				return err
			}
			emb, err := a.Embedder(ctx)
			if err != nil {
				return err
			}
			gen, err := a.Generator(ctx)
			if err != nil {
				return err
			}
			tracker, err := a.Costs(nil)
			if err != nil {
				return err
			}
			svc, err := rag.New(rag.Deps{
				Embedder:  emb,
				Generator: gen,
				Retriever: store,
				Tokens:    costs.NewTokenizer(a.Logger),
				Costs:     tracker,
				Metrics:   metrics.NewChat(a.Metrics),
				Logger:    a.Logger,
			}, a.ChatOptions())
			if err != nil {
				return err
			}

			req := rag.Request{
				Message: strings.Join(args, " "),
				TopK:    topK,
				Filter:  semantic.Filter{Category: domain.Category(category)},
			}
			if c.asJSON {
				ans, err := svc.Answer(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, ans)
			}
			return streamAnswer(cmd, svc, req)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only search this category")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "chunks to retrieve (default from config)")
	return cmd
}

func streamAnswer(cmd *cobra.Command, svc *rag.Service, req rag.Request) error {
	events, err := svc.Stream(cmd.Context(), req)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case rag.EventToken:
			cmd.Print(ev.Content)
		case rag.EventSources:
			cmd.Println()
			cmd.Println()
			if len(ev.Sources) == 0 {
				cmd.Println("No sources found.")
			}
			for i, src := range ev.Sources {
				cmd.Printf("  [%d] %s (%.2f) %s\n", i+1, src.Title, src.Score, src.Metadata.SourceFile)
			}
			cmd.Printf("confidence %.2f, %d+%d tokens, $%.6f\n",
				ev.Confidence, ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.Cost)
		case rag.EventError:
			cmd.Println()
			return errors.New(ev.Err.Message())
		}
	}
	return cmd.Context().Err()
}

func newDocsCmd(c *cli) *cobra.Command {
	var (
		category   string
		file       string
		limit      int
		useCatalog bool
	)
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List indexed documents",
		Long: `Lists chunk metadata from the vector store. With --catalog the Neo4j
document catalog is listed instead, followed by per-category totals.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := c.app
			ctx := cmd.Context()
			if useCatalog {
				cat, err := a.Catalog(ctx)
				if err != nil {
					return err
				}
				if cat == nil {
					return errors.New("--catalog needs NEO4J_URL")
				}
				return listCatalog(cmd, c.asJSON, cat, catalog.Filter{Category: domain.Category(category), Limit: limit})
			}

			store, err := a.Store(ctx)
			if err != nil {
				return err
			}
			metas, err := store.ListMetadata(ctx, semantic.Filter{
				Category:   domain.Category(category),
				SourceFile: file,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd, metas)
			}
			if len(metas) == 0 {
				cmd.Println("No documents indexed.")
				return nil
			}
			for _, m := range metas {
				cmd.Printf("  %-40s %-12s %3d/%-3d %s\n", m.DocID, m.Category, m.ChunkIndex+1, m.TotalChunks, m.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&file, "file", "", "filter by source file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum rows")
	cmd.Flags().BoolVar(&useCatalog, "catalog", false, "list the document catalog")
	return cmd
}

type catalogLister interface {
	List(ctx context.Context, f catalog.Filter) ([]catalog.Entry, error)
	Categories(ctx context.Context) ([]catalog.CategoryStats, error)
}

func listCatalog(cmd *cobra.Command, asJSON bool, cat catalogLister, f catalog.Filter) error {
	ctx := cmd.Context()
	entries, err := cat.List(ctx, f)
	if err != nil {
		return err
	}
	cats, err := cat.Categories(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, map[string]any{"documents": entries, "categories": cats})
	}
	for _, e := range entries {
		cmd.Printf("  %-40s %-12s %4d chunks  %s\n", e.ID, e.Category, e.Chunks, e.IngestedAt.Format(time.DateTime))
	}
	cmd.Println()
	for _, s := range cats {
		cmd.Printf("  %-12s %4d documents %6d chunks\n", s.Name, s.Documents, s.Chunks)
	}
	return nil
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show corpus statistics",
		Long: `Asks a running ingest worker for corpus statistics over NATS. Without
NATS_URL the vector store is read directly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := c.app
			ctx := cmd.Context()
			nc, err := a.NATS("ragctl")
			if err != nil {
				return err
			}

			var st semantic.Stats
			if nc != nil {
				rctx, cancel := context.WithTimeout(ctx, statsTimeout)
				defer cancel()
				if st, err = ingest.QueryStats(rctx, nc); err != nil {
					return fmt.Errorf("query worker: %w", err)
				}
			} else {
				store, err := a.Store(ctx)
				if err != nil {
					return err
				}
				if st, err = semantic.CollectStats(ctx, store); err != nil {
					return err
				}
			}

			if c.asJSON {
				return printJSON(cmd, st)
			}
			cmd.Printf("documents:    %d\n", st.Documents)
			cmd.Printf("chunks:       %d\n", st.Chunks)
			if !st.LastUpdated.IsZero() {
				cmd.Printf("last updated: %s\n", st.LastUpdated.Format(time.RFC3339))
			}
			if st.Chunks > 0 {
				cmd.Printf("avg chunk:    %.1f chars\n", st.AvgChunkSize)
			}
			for _, cat := range slices.Sorted(maps.Keys(st.Categories)) {
				cmd.Printf("  %-12s %5d chunks\n", cat, st.Categories[cat])
			}
			return nil
		},
	}
}
