// Command chatd runs the moderated chat service.
//
//	chatd serve               run the HTTP API
//	chatd migrate             create or update the database schema
//	chatd classify [text]     print the moderation verdict for text (or stdin)
//
// Settings come from the environment; a .env file in the working directory
// is loaded first when present.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-moderated-chat/internal/config"
	"github.com/tbourn/go-moderated-chat/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("chatd failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Moderated persona chat service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Best effort: a missing .env is normal outside development.
			_ = godotenv.Load(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newClassifyCmd())
	return root
}

// loadConfig reads settings and installs the global logger they describe.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	sysutil.SetupLogger(cfg.LogPretty, nil)
	sysutil.SetLogLevel(cfg.LogLevel)
	return cfg, nil
}
