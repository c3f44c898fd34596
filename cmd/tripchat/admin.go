package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"tripchat/internal/gatekeeper"
	"tripchat/internal/history"
	"tripchat/internal/memory"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the message database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			v, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			logger.Info("database ready", "path", cfg.Memory.DBPath, "schema_version", v)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var scopes []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token [user]",
		Short: "Sign a development bearer token for user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := gatekeeper.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute
			}
			tok, err := v.Sign(args[0], scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "capabilities to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.tokenTTLMinutes)")
	return cmd
}

func historyCmd() *cobra.Command {
	var cursor int64
	var size int

	cmd := &cobra.Command{
		Use:   "history [conversationId]",
		Short: "Print one page of a conversation from the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			if size == 0 {
				size = cfg.History.DefaultPageSize
			}
			var cur *int64
			if cmd.Flags().Changed("cursor") {
				cur = &cursor
			}
			page, err := history.NewEngine(store, cfg.History.MaxPageSize).Page(cmd.Context(), id, cur, size)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "return messages older than this message id")
	cmd.Flags().IntVar(&size, "size", 0, "page size (default: history.defaultPageSize)")
	return cmd
}
