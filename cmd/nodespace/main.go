// Command nodespace is the NodeSpace core CLI: import markdown, run
// structured and semantic queries, and inspect the store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nodespace/nodespace/pkg/config"
	"github.com/nodespace/nodespace/pkg/embedding"
	"github.com/nodespace/nodespace/pkg/markdown"
	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/nodespace"
	"github.com/nodespace/nodespace/pkg/query"
	"github.com/nodespace/nodespace/pkg/storage"
)

var (
	cfgPath string
	cfg     *config.Config
)

func main() {
	root := &cobra.Command{
		Use:   "nodespace",
		Short: "Graph-native node store for local-first knowledge work",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to nodespace.yaml")

	root.AddCommand(importCmd(), queryCmd(), searchCmd(), statsCmd(), schemaCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openService builds the store and node service from config.
func openService(ctx context.Context) (*nodespace.NodeService, storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	if cfg.Database.InMemory {
		store = storage.NewMemoryEngine()
	} else {
		store, err = storage.NewBadgerEngine(storage.BadgerOptions{
			DataDir:    cfg.Database.DataDir,
			SyncWrites: cfg.Database.SyncWrites,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	svc, err := nodespace.New(ctx, store, nil)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}

func importCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import a directory of markdown into node trees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, store, err := openService(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			imp := markdown.NewImporter(svc)
			imp.OnProgress = func(p markdown.Progress) {
				if p.Complete {
					fmt.Println("import complete")
					return
				}
				fmt.Printf("  [%d/%d] %s\n", p.Done, p.Total, p.File)
			}
			res, err := imp.ImportDirectory(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("imported %d files, %d nodes, %d collections (%d archived)\n",
				res.Files, res.Nodes, res.Collections, res.Archived)

			if watch || cfg.Import.Watch {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				log.Printf("watching %s for changes", args[0])
				w := markdown.NewWatcher(imp, args[0], cfg.Import.SettleDelay)
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep importing as files change")
	return cmd
}

func queryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "query <type> [field=value ...]",
		Short: "Run a structured query against the node table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, store, err := openService(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			def := query.Definition{TargetType: args[0], Limit: limit}
			for _, arg := range args[1:] {
				if i := strings.IndexByte(arg, '='); i >= 0 {
					def.Filters = append(def.Filters, query.Filter{
						Type: query.FilterProperty, Property: arg[:i],
						Operator: query.OpEquals, Value: arg[i+1:],
					})
				}
			}

			text, err := query.Translate(def)
			if err != nil {
				return err
			}
			log.Printf("query: %s", text)

			nodes, err := svc.QueryNodes(ctx, def)
			if err != nil {
				return err
			}
			return printJSON(nodes)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max results")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		limit     int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "search <query text>",
		Short: "Semantic search over root embeddings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, store, err := openService(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder, err := loadEmbedder()
			if err != nil {
				return err
			}
			esvc := embedding.NewService(store, embedder, svc.Hierarchy(), &embedding.Config{
				ScanInterval:  cfg.Embedding.ScanInterval,
				BatchSize:     cfg.Embedding.BatchSize,
				IdleThreshold: cfg.Embedding.IdleThreshold,
			})
			results, err := esvc.SearchRoots(ctx, strings.Join(args, " "), embedding.SearchOptions{
				Threshold: &threshold,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%.3f  %s  %s\n", r.Score, r.Node.ID, firstLine(r.Node.Content))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max results")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0.5, "minimum similarity in [0,1]")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node and edge counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, err := openService(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			nodes, err := store.NodeCount(ctx)
			if err != nil {
				return err
			}
			edges, err := store.EdgeCount(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("nodes: %d\nedges: %d\n", nodes, edges)
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <type>",
		Short: "Print a schema definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, store, err := openService(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			def, err := svc.Schemas().GetSchema(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(def)
		},
	}
}

// loadEmbedder wires the model used for search. No model endpoint is
// configurable here, so the returned embedder fails every call with
// EmbeddingError and searches report that error rather than silently
// returning nothing.
func loadEmbedder() (embedding.Embedder, error) {
	return embedding.EmbedderFunc{
		Fn: func(ctx context.Context, text string) ([]float32, error) {
			return nil, fmt.Errorf("%w: no embedding model configured", node.ErrEmbedding)
		},
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
