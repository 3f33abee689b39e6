// photosync transfers PNG photos between a serving peer and requesting peers.
package main

import (
	"fmt"
	"os"

	"github.com/collodion/photosync/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	serverOverride  string
	dataDirOverride string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "photosync",
		Short: "photosync - chunked photo transfer between peers",
		Long: `photosync moves PNG photos between a serving peer and the peers that
display them. Photos are split into chunks, sent over a websocket, and
reassembled on the receiving side.

Run a server:

  photosync serve -c server.yaml

Fetch or push a photo from a client:

  photosync fetch sunset --server http://photos.example.com:8420
  photosync push ./sunset.png --server http://photos.example.com:8420`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the serving peer",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	fetchCmd := &cobra.Command{
		Use:   "fetch <name>",
		Short: "Download a photo from the server unless it is stored locally",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	addClientFlags(fetchCmd)
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", defaultWaitTimeout, "how long to wait for the photo")
	rootCmd.AddCommand(fetchCmd)

	pushCmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Import a local PNG and upload it to the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runPush,
	}
	addClientFlags(pushCmd)
	pushCmd.Flags().StringVar(&pushName, "name", "", "photo identifier (default: file name)")
	pushCmd.Flags().DurationVar(&pushTimeout, "timeout", defaultWaitTimeout, "how long to wait for the server's acknowledgment")
	rootCmd.AddCommand(pushCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Print a photo's normalized identifier and storage path",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}
	resolveCmd.Flags().StringVar(&dataDirOverride, "data-dir", "", "client data directory")
	rootCmd.AddCommand(resolveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("photosync %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serverOverride, "server", "s", "", "server URL")
	cmd.Flags().StringVar(&dataDirOverride, "data-dir", "", "client data directory")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadServerConfig() (*config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadServerConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadClientConfig loads the client config and applies flag overrides.
// Validation is left to callers that connect.
func loadClientConfig() (*config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadClientConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if serverOverride != "" {
		cfg.Server = serverOverride
	}
	if dataDirOverride != "" {
		cfg.DataDir = config.ExpandHome(dataDirOverride)
	}
	return cfg, nil
}
