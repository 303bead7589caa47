package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverfog7/TTRPatchClient/internal"
)

func PlanCommand(cfg *internal.Config, fileName string) int {
	logger := newCliLogger(cfg.LogLevel)
	client := newHttpClient(cfg)
	defer client.CloseIdleConnections()

	manifest, err := fetchManifest(context.Background(), cfg, client, logger)
	if err != nil {
		fmt.Printf("Error getting manifest: %v\n", err)
		return 1
	}

	entry, ok := manifest.Entry(fileName)
	if !ok {
		fmt.Printf("%s is not in the manifest\n", fileName)
		return 1
	}

	store := internal.NewAssetStore(cfg.InstallDir, logger)
	local, exists, err := store.Read(fileName)
	if err != nil {
		fmt.Printf("Error reading %s: %v\n", fileName, err)
		return 1
	}
	if !exists {
		fmt.Printf("%s is missing, full download: %s\n", fileName, entry.Download)
		return 0
	}

	current := internal.ComputeDigest(local)
	chain, err := internal.PlanChain(current, entry)
	switch {
	case errors.Is(err, internal.ErrNoPath):
		fmt.Printf("%s: %v, full download: %s\n", fileName, err, entry.Download)
		return 0
	case err != nil:
		fmt.Printf("Error planning %s: %v\n", fileName, err)
		return 1
	case len(chain) == 0:
		fmt.Printf("%s is up to date (%s)\n", fileName, current)
		return 0
	}

	fmt.Printf("%s: %s -> %s, %d patch(es), %s\n", fileName, current.Short(), entry.Digest.Short(),
		len(chain), summarizeSizeSimple(float64(chain.TotalSize())))
	for i, edge := range chain {
		fmt.Printf("  %d. %s %s\n", i+1, edge, summarizeSizeSimple(float64(edge.Size)))
	}
	return 0
}
