package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/riverfog7/TTRPatchClient/internal"
)

var sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// updateProgress is shared between the fetch and store callbacks and the reporter
type updateProgress struct {
	downloaded atomic.Int64
	written    atomic.Int64
	filesDone  atomic.Int64
	filesTotal int64
}

func UpdateCommand(cfg *internal.Config) int {
	logger := newCliLogger(cfg.LogLevel)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nCancelling update...")
			cancel()
		case <-ctx.Done():
		}
	}()

	client := newHttpClient(cfg)
	defer client.CloseIdleConnections()

	// Get manifest information
	manifest, err := fetchManifest(ctx, cfg, client, logger)
	if err != nil {
		fmt.Printf("Error getting manifest: %v\n", err)
		return 1
	}

	if err := internal.EnsureDirectory(cfg.InstallDir); err != nil {
		fmt.Printf("Error creating directory: %v\n", err)
		return 1
	}
	if err := internal.EnsureDirectory(cfg.CacheDir); err != nil {
		fmt.Printf("Error creating directory: %v\n", err)
		return 1
	}

	progress := &updateProgress{filesTotal: int64(manifest.Len())}
	limiter := internal.NewDownloadSpeedLimiter(cfg.SpeedLimit)

	store := internal.NewAssetStore(cfg.InstallDir, logger)
	store.OnWrite = func(n int64) { progress.written.Add(n) }

	// Delete temp files of an interrupted run
	store.CleanupTemp()

	updater := &internal.Updater{
		Fetcher: &internal.HTTPFetcher{
			Client:       client,
			BaseUrl:      cfg.CdnUri,
			AltBaseUrl:   cfg.AltCdnUri,
			StagingDir:   cfg.CacheDir,
			Retry:        retryOptions(cfg, logger),
			SpeedLimiter: limiter,
			Logger:       logger,
			OnDownload:   func(n int64) { progress.downloaded.Add(n) },
		},
		Store:                store,
		Logger:               logger,
		Platform:             cfg.Platform,
		FullDownloadFallback: cfg.FullDownloadFallback,
		Threads:              cfg.Threads,
		VerifyAttempts:       cfg.RetryAttempts,
		Executables:          cfg.Executables,
		OnComplete: func(outcome internal.UpdateOutcome) {
			progress.filesDone.Add(1)
		},
	}

	// Start progress reporter
	startTime := time.Now()
	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		reportProgress(stopProgress, progress, startTime)
		close(progressDone)
	}()

	report := updater.UpdateAll(ctx, manifest)

	close(stopProgress)
	<-progressDone

	fmt.Printf("Update finished in %s: %s\n", time.Since(startTime).Round(time.Millisecond), report.Summary())
	for _, outcome := range report.Failed() {
		fmt.Printf("  %s\n", outcome)
	}

	if len(report.Failed()) > 0 {
		return 1
	}
	return 0
}

func newCliLogger(level string) *internal.Logger {
	minLevel := internal.ParseLogLevel(level)
	return internal.NewLogger(func(sender interface{}, log internal.LogStruct) {
		if !logLevelEnabled(minLevel, log.LogLevel) {
			return
		}
		fmt.Printf("[%v] %s\n", log.LogLevel, log.Message)
	})
}

// logLevelEnabled orders levels as Debug < Info < Warning < Error
func logLevelEnabled(minLevel, level internal.LogLevel) bool {
	rank := func(l internal.LogLevel) int {
		if l == internal.Debug {
			return -1
		}
		return int(l)
	}
	return rank(level) >= rank(minLevel)
}

func newHttpClient(cfg *internal.Config) *http.Client {
	// Create HTTP client with connection limits
	maxHttpHandle := cfg.MaxConnections
	if maxHttpHandle <= 0 {
		maxHttpHandle = 16
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: maxHttpHandle,
			MaxConnsPerHost:     maxHttpHandle,
		},
	}
}

func retryOptions(cfg *internal.Config, logger *internal.Logger) internal.RetryOptions {
	return internal.RetryOptions{
		Attempts: cfg.RetryAttempts,
		Timeout:  cfg.Timeout,
		Logger:   logger,
	}
}

func fetchManifest(ctx context.Context, cfg *internal.Config, client *http.Client, logger *internal.Logger) (*internal.Manifest, error) {
	fetcher := &internal.HTTPFetcher{
		Client: client,
		Retry:  retryOptions(cfg, logger),
		Logger: logger,
	}
	return internal.FetchManifest(ctx, fetcher, cfg.ManifestUri)
}

func reportProgress(stop chan struct{}, progress *updateProgress, startTime time.Time) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current := progress.downloaded.Load()
			elapsed := time.Since(startTime).Seconds()
			speed := float64(current) / elapsed

			fmt.Printf("\r%d/%d files | %s downloaded (%s/s) | %s written    ",
				progress.filesDone.Load(),
				progress.filesTotal,
				summarizeSizeSimple(float64(current)),
				summarizeSizeSimple(speed),
				summarizeSizeSimple(float64(progress.written.Load())),
			)
		case <-stop:
			fmt.Println()
			return
		}
	}
}

func summarizeSizeSimple(value float64, decimalPlaces ...int) string {
	if value == 0 {
		return "0 B"
	}

	dp := 2
	if len(decimalPlaces) > 0 {
		dp = decimalPlaces[0]
	}

	// Calculate magnitude
	mag := 0
	for value >= 1024 && mag < len(sizeSuffixes)-1 {
		value /= 1024
		mag++
	}

	// Format with specified decimal places
	return fmt.Sprintf("%."+strconv.Itoa(dp)+"f %s", value, sizeSuffixes[mag])
}
