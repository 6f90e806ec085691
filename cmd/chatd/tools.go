package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-moderated-chat/internal/persona"
	"github.com/tbourn/go-moderated-chat/internal/repo"
	"github.com/tbourn/go-moderated-chat/internal/safety"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := repo.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("schema up to date")
			return nil
		},
	}
}

// classifyResult is what "chatd classify" prints.
type classifyResult struct {
	PolicyVersion string         `json:"policy_version"`
	Verdict       safety.Verdict `json:"verdict"`
}

func newClassifyCmd() *cobra.Command {
	var personaPath string

	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Print the moderation verdict for text, read from stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 1 {
				text = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(b)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("nothing to classify")
			}

			p, err := persona.Load(personaPath)
			if err != nil {
				return err
			}
			cls := safety.New(safety.WithRefusal(p.RefusalMessage()))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(classifyResult{
				PolicyVersion: safety.PolicyVersion,
				Verdict:       cls.Classify(text),
			})
		},
	}
	cmd.Flags().StringVar(&personaPath, "persona", "", "persona document whose refusal text is reported")
	return cmd
}
