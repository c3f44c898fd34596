package main

import (
	"fmt"
	"net"
	"os"

	"tripchat/internal/config"
	"tripchat/internal/memory"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the tripchat installation",
		Long: `Verifies that the configuration, signing secret, database and
listen address are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("tripchat doctor v%s\n\n", version)

			passed, warned, failed := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'tripchat init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if cfg.Auth.JWTSecret == "" {
				printFail("Signing secret", "auth.jwtSecret is empty; serve will refuse to start")
				failed++
			} else {
				printPass("Signing secret", "set")
				passed++
			}

			if err := checkDatabase(cfg.Memory.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Memory.DBPath)
				passed++
			}

			if err := checkListen(cfg.Server.Addr()); err != nil {
				printWarn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				warned++
			} else {
				printPass("Listen address", cfg.Server.Addr()+" available")
				passed++
			}

			if cfg.Generation.Mode == "none" {
				printWarn("Generation", "disabled; user messages are stored and delivered without replies")
				warned++
			} else {
				printPass("Generation", cfg.Generation.Mode)
				passed++
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which also applies pending migrations.
func checkDatabase(dbPath string) error {
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.SchemaVersion(); err != nil {
		return fmt.Errorf("cannot read schema version: %w", err)
	}
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
