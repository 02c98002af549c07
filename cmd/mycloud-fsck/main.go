// Package main checks a myCloud tree for inconsistencies between stored
// folder sizes, the parent chain and the byte store, and optionally repairs
// what can be fixed mechanically.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/config"
	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metadata"
	"github.com/estrada-diego/myCloud/internal/quota"
	"github.com/estrada-diego/myCloud/internal/storage"
	"github.com/estrada-diego/myCloud/internal/tree"
)

func main() {
	repair := flag.Bool("repair", false, "Rewrite wrong folder sizes")
	checkBlobs := flag.Bool("check-blobs", false, "Also check that every file's bytes exist in the byte store")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(2)
	}
	defer logging.Sync()

	os.Exit(run(context.Background(), cfg, *repair, *checkBlobs))
}

func run(ctx context.Context, cfg *config.Config, repair, checkBlobs bool) int {
	store, err := metadata.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logging.Error("database connection failed", zap.Error(err))
		return 2
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logging.Error("migration failed", zap.Error(err))
		return 2
	}

	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		logging.Error("storage backend init failed", zap.Error(err))
		return 2
	}
	defer backend.Close()

	t := tree.New(store, storage.NewBlobStore(backend), quota.NewTracker(cfg.MaxTotalBytes, 0))
	if err := t.Init(ctx); err != nil {
		logging.Error("tree init failed", zap.Error(err))
		return 2
	}

	report, err := t.Verify(ctx, tree.VerifyOptions{CheckBlobs: checkBlobs})
	if err != nil {
		logging.Error("verification failed", zap.Error(err))
		return 2
	}
	printReport(report)

	if report.OK() {
		return 0
	}
	if !repair {
		fmt.Println("\nRun with -repair to fix folder sizes.")
		return 1
	}

	fixed, err := t.Repair(ctx, report)
	if err != nil {
		logging.Error("repair failed", zap.Error(err))
		return 2
	}
	fmt.Printf("\nRepaired %d of %d problems.\n", fixed, len(report.Problems))

	after, err := t.Verify(ctx, tree.VerifyOptions{CheckBlobs: checkBlobs})
	if err != nil {
		logging.Error("re-verification failed", zap.Error(err))
		return 2
	}
	if !after.OK() {
		fmt.Printf("%d problems need manual attention:\n", len(after.Problems))
		for _, p := range after.Problems {
			fmt.Printf("  %s\n", p)
		}
		return 1
	}
	return 0
}

func printReport(r *tree.Report) {
	fmt.Println("Tree Check")
	fmt.Println("----------")
	fmt.Printf("Nodes:       %d (%d files, %d folders)\n", r.Nodes, r.Files, r.Folders)
	fmt.Printf("File bytes:  %d\n", r.FileBytes)
	fmt.Printf("Usage:       %d\n", r.Usage)

	if r.OK() {
		fmt.Println("\nNo problems found.")
		return
	}

	fmt.Printf("\n%d problems:\n", len(r.Problems))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNODE\tEXPECTED\tACTUAL\tDETAIL")
	for _, p := range r.Problems {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", p.Kind, p.NodeID, p.Expected, p.Actual, p.Detail)
	}
	w.Flush()
}
