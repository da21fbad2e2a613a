package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/tagmesh"
)

func main() {
	count := flag.Int("count", 1000, "Number of entities to tag")
	adapter := flag.String("adapter", "fs", "Local store adapter (fs, sqlite)")
	keep := flag.Bool("keep", false, "Keep the benchmark data dir after running")
	flag.Parse()

	benchDir, err := os.MkdirTemp("", "tagmesh_bench_")
	if err != nil {
		panic(err)
	}
	defer func() {
		if !*keep {
			os.RemoveAll(benchDir)
		} else {
			fmt.Printf("Keeping bench dir: %s\n", benchDir)
		}
	}()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []tagmesh.Option{
		tagmesh.WithAdapter(*adapter),
		tagmesh.WithDataDir(benchDir),
		tagmesh.WithSecretRoot("bench"),
		tagmesh.WithLogger(logger),
	}

	repo, err := tagmesh.Create(ctx, "bench-subject", nil, opts...)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Tagging %d entities with %s in %s...\n", *count, *adapter, benchDir)
	startTag := time.Now()
	for i := range *count {
		_, err := repo.SaveTag(ctx, tagmesh.SaveTagRequest{
			EntityName: fmt.Sprintf("entity-%d", i),
			Tag:        fmt.Sprintf("tag-%d", i%10),
		})
		if err != nil {
			panic(err)
		}
	}
	tagging := time.Since(startTag)

	startFlush := time.Now()
	if err := repo.Close(ctx); err != nil {
		panic(err)
	}
	flushing := time.Since(startFlush)

	// A fresh repository loads everything from the store, as a new CLI run would.
	startLoad := time.Now()
	reopened, err := tagmesh.Create(ctx, "bench-subject", nil, opts...)
	if err != nil {
		panic(err)
	}
	loading := time.Since(startLoad)
	entities, err := reopened.Find("*")
	if err != nil {
		panic(err)
	}
	_ = reopened.Close(ctx)

	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d entities, %d loaded):\n", *count, len(entities))
	fmt.Printf("  SaveTag: %v\n", tagging)
	fmt.Printf("  Flush:   %v\n", flushing)
	fmt.Printf("  Load:    %v\n", loading)
	fmt.Printf("--------------------------------------------------\n")
}
