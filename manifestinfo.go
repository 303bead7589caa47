package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/riverfog7/TTRPatchClient/internal"
)

type manifestInfoPatch struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Locator          string `json:"locator"`
	Size             int64  `json:"size"`
	DecompressedSize int64  `json:"decompressedSize,omitempty"`
}

type manifestInfoFile struct {
	Name     string              `json:"name"`
	Hash     string              `json:"hash"`
	Download string              `json:"download,omitempty"`
	Only     []string            `json:"only,omitempty"`
	Patches  []manifestInfoPatch `json:"patches"`
}

type manifestInfo struct {
	ManifestUri string             `json:"manifestUri"`
	Platform    string             `json:"platform"`
	Files       []manifestInfoFile `json:"files"`
}

func ManifestInfoCommand(cfg *internal.Config, outputPath string) int {
	logger := newCliLogger(cfg.LogLevel)
	client := newHttpClient(cfg)
	defer client.CloseIdleConnections()

	manifest, err := fetchManifest(context.Background(), cfg, client, logger)
	if err != nil {
		fmt.Printf("Error getting manifest: %v\n", err)
		return 1
	}

	info := manifestInfo{ManifestUri: cfg.ManifestUri, Platform: cfg.Platform}
	for _, name := range manifest.Names() {
		entry, _ := manifest.Entry(name)
		file := manifestInfoFile{
			Name:     name,
			Hash:     entry.Digest.String(),
			Download: entry.Download,
			Only:     entry.Only,
			Patches:  []manifestInfoPatch{},
		}
		for _, e := range entry.Edges {
			file.Patches = append(file.Patches, manifestInfoPatch{
				From:             e.Source.String(),
				To:               e.Destination.String(),
				Locator:          e.Locator,
				Size:             e.Size,
				DecompressedSize: e.DecompressedSize,
			})
		}
		info.Files = append(info.Files, file)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		fmt.Printf("Error encoding manifest info: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if outputPath == "-" {
		os.Stdout.Write(data)
		return 0
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := internal.EnsureDirectory(dir); err != nil {
			fmt.Printf("Error creating directory: %v\n", err)
			return 1
		}
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		fmt.Printf("Error writing %s: %v\n", outputPath, err)
		return 1
	}
	return 0
}
