// Command verifier runs verification jobs through the bounded queue and
// reports the persisted verdicts.
//
// Each argument is a job file describing the targets to verify:
//
//	{
//	  "dedupe_key": "app-0xdeadbeef",
//	  "targets": [
//	    {
//	      "kind": "app",
//	      "quote_file": "quote.bin",
//	      "eventlog_file": "eventlog.json",
//	      "compose_file": "docker-compose.yml",
//	      "os_image": "dstack-0.5.3",
//	      "app_id": "0x..."
//	    }
//	  ]
//	}
//
// Configuration comes from the environment (optionally via .env), see
// shared.LoadConfig.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Phala-Network/dstack-verifier/imagestore"
	"github.com/Phala-Network/dstack-verifier/queue"
	"github.com/Phala-Network/dstack-verifier/registry"
	"github.com/Phala-Network/dstack-verifier/shared"
	"github.com/Phala-Network/dstack-verifier/verifier"
)

type jobFile struct {
	DedupeKey string       `json:"dedupe_key"`
	Targets   []targetFile `json:"targets"`
}

type targetFile struct {
	Kind         string `json:"kind"`
	QuoteFile    string `json:"quote_file"`
	EventLogFile string `json:"eventlog_file"`
	ComposeFile  string `json:"compose_file"`
	OSImage      string `json:"os_image"`
	AppID        string `json:"app_id"`
}

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	logger, err := shared.NewLoggerFromEnv("verifier")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) < 2 {
		logger.Fatal("usage: verifier <job.json> [job.json ...]")
	}

	cfg := shared.LoadConfig()
	if cfg.RegistryAddress == "" {
		logger.Fatal("REGISTRY_ADDRESS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Dial(ctx, cfg.RegistryRPCEndpoint, common.HexToAddress(cfg.RegistryAddress))
	if err != nil {
		logger.Fatal("failed to connect to registry", zap.Error(err))
	}
	defer reg.Close()

	images := imagestore.NewStore(cfg.ImageCacheRoot, cfg.ImageDownloadURL, cfg.DownloadTimeout, logger)
	v := verifier.New(images, reg, logger)
	store := queue.NewMemoryTaskStore()

	q := queue.New(queue.Options{
		WorkerCount:      cfg.WorkerCount,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBaseDelay: cfg.BackoffBaseDelay,
		BackoffMaxDelay:  cfg.BackoffMaxDelay,
	}, v, store, logger)
	q.Start()
	defer q.Stop()

	var taskIDs []string
	for _, path := range os.Args[1:] {
		job, err := loadJob(path)
		if err != nil {
			logger.Fatal("failed to load job file", zap.String("path", path), zap.Error(err))
		}
		taskID, err := q.Submit(ctx, *job)
		if err != nil {
			logger.Fatal("failed to submit job", zap.String("path", path), zap.Error(err))
		}
		logger.Info("job submitted", zap.String("path", path), zap.String("task_id", taskID))
		taskIDs = append(taskIDs, taskID)
	}

	exitCode := 0
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, taskID := range taskIDs {
		task, err := awaitTask(ctx, store, taskID)
		if err != nil {
			logger.Fatal("interrupted while waiting for task",
				zap.String("task_id", taskID), zap.Error(err))
		}
		if err := enc.Encode(task); err != nil {
			logger.Error("failed to print task", zap.Error(err))
		}
		if task.Status != queue.TaskCompleted {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func loadJob(path string) (*queue.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jf jobFile
	if err := json.Unmarshal(raw, &jf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	job := &queue.Job{DedupeKey: jf.DedupeKey}
	for _, tf := range jf.Targets {
		spec := verifier.TargetSpec{
			Kind:    verifier.TargetKind(tf.Kind),
			OSImage: tf.OSImage,
			AppID:   tf.AppID,
		}
		if err := readInto(tf.QuoteFile, &spec.Quote); err != nil {
			return nil, err
		}
		if err := readInto(tf.EventLogFile, &spec.EventLog); err != nil {
			return nil, err
		}
		if err := readInto(tf.ComposeFile, &spec.Compose); err != nil {
			return nil, err
		}
		job.Specs = append(job.Specs, spec)
	}
	return job, nil
}

func readInto(path string, dst *[]byte) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	*dst = data
	return nil
}

func awaitTask(ctx context.Context, store queue.TaskStore, taskID string) (*queue.Task, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		task, err := store.Get(ctx, taskID)
		if err == nil && (task.Status == queue.TaskCompleted || task.Status == queue.TaskFailed) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
