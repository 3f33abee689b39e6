package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pushName    string
	pushTimeout time.Duration
)

func runPush(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	if err := blobstore.Validate(data); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	name := pushName
	if name == "" {
		name = filepath.Base(args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	node, err := dialClient(ctx, cfg, metrics.InitMetrics("client", cfg.Name), log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	id, err := node.pushBlob(ctx, name, data)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s (%d bytes)\n", id, len(data))
	return nil
}
