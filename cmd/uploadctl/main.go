// Command uploadctl drives one or more local files through the upload
// engine against a real HTTP backend, printing one line each time a file's
// StatusProjection changes state. It is the one place in this repo that reads an
// environment variable directly — every core package takes its
// configuration as injected arguments.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blobkit/upload-engine/queue"
	"github.com/blobkit/upload-engine/transport"
	"github.com/blobkit/upload-engine/upload"
	units "github.com/docker/go-units"
)

const (
	apiURLEnvKey    = "BLOBKIT_UPLOAD_API_URL"
	defaultPartSize = 8 * 1024 * 1024
)

func main() {
	partSize := flag.Int64("part-size", defaultPartSize, "bytes per uploaded part")
	concurrency := flag.Int("concurrency", 4, "maximum concurrent part uploads, shared across every file")
	flag.Parse()

	logger := log.NewLogger()
	envRepo := env.NewRepository()

	if err := run(logger, envRepo, *partSize, *concurrency, flag.Args()); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, envRepo env.Repository, partSize int64, concurrency int, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("uploadctl: at least one file path is required")
	}

	baseURL := envRepo.Get(apiURLEnvKey)
	if baseURL == "" {
		return fmt.Errorf("uploadctl: %s is not set", apiURLEnvKey)
	}

	adapter := transport.NewHTTPAdapter(transport.HTTPConfig{BaseURL: baseURL}, logger)

	q, err := queue.New(concurrency)
	if err != nil {
		return fmt.Errorf("uploadctl: %w", err)
	}

	var wg sync.WaitGroup
	results := make([]error, len(paths))

	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("uploadctl: stat %s: %w", path, err)
		}

		ctrl := upload.New(upload.Config{
			FileName: info.Name(),
			FilePath: path,
			FileSize: info.Size(),
			PartSize: partSize,
		}, adapter, q, logger)

		logger.Infof("uploading %s (%s)", info.Name(), units.HumanSizeWithPrecision(float64(info.Size()), 3))

		// terminal is buffered(1): StateDone/StateFailed fires at most once per
		// controller lifetime in this CLI (it never retries), so the send from
		// logAndSignal's callback can never block.
		terminal := make(chan upload.Snapshot, 1)
		unsubscribe := ctrl.Status().Subscribe(logAndSignal(logger, info.Name(), terminal))

		wg.Add(1)
		go func(i int, ctrl *upload.Controller, unsubscribe func(), terminal chan upload.Snapshot) {
			defer wg.Done()
			defer unsubscribe()
			defer ctrl.Close()

			if err := ctrl.Start(context.Background()); err != nil {
				results[i] = err
				return
			}

			// Start only blocks until the initial parts are enqueued, not
			// until the upload settles — wait for the controller to actually
			// reach a terminal state before closing its file or reporting its
			// outcome.
			if snap := <-terminal; snap.State == upload.StateFailed {
				results[i] = fmt.Errorf("upload ended in failed state at %.1f%% complete", snap.Progress)
			}
		}(i, ctrl, unsubscribe, terminal)
	}

	wg.Wait()

	for i, err := range results {
		if err != nil {
			return fmt.Errorf("uploadctl: %s: %w", paths[i], err)
		}
	}

	return nil
}

// logAndSignal prints one line per state transition, skipping Progress-only
// updates so a many-part file doesn't flood the terminal, and pushes the
// snapshot onto terminal once the controller reaches StateDone or
// StateFailed so the caller can wait for the upload to actually finish.
func logAndSignal(logger log.Logger, fileName string, terminal chan upload.Snapshot) func(upload.Snapshot) {
	last := upload.State("")
	return func(snap upload.Snapshot) {
		if snap.State == last {
			return
		}
		last = snap.State

		switch snap.State {
		case upload.StateDone:
			logger.Donef("%s done (artifact %s)", fileName, snap.Artifact.UID)
			terminal <- snap
		case upload.StateFailed:
			logger.Warnf("%s failed at %.1f%%", fileName, snap.Progress)
			terminal <- snap
		case upload.StatePaused:
			logger.Printf("%s paused at %.1f%%", fileName, snap.Progress)
		default:
			logger.Debugf("%s -> %s", fileName, snap.State)
		}
	}
}
