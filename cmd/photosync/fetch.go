package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collodion/photosync/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var fetchTimeout time.Duration

func runFetch(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	node, err := dialClient(ctx, cfg, metrics.InitMetrics("client", cfg.Name), log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	path, err := node.fetchBlob(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
