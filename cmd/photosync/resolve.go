package main

import (
	"fmt"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/spf13/cobra"
)

func runResolve(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	line, err := resolveLine(blobstore.NewFSStore(cfg.BlobDir()), args[0])
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func resolveLine(store *blobstore.FSStore, name string) (string, error) {
	path, err := store.Path(name)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", name, err)
	}
	state := "missing"
	if store.Has(name) {
		state = "present"
	}
	return fmt.Sprintf("%s -> %s (%s)", blobstore.Normalize(name), path, state), nil
}
