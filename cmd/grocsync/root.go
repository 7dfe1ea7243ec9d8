package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/adamsuskin/grocery-sub002/internal/config"
	"github.com/adamsuskin/grocery-sub002/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "grocsync",
	Short: "Offline-first mutation queue for shared grocery lists",
	Long: `grocsync keeps a shared grocery list usable without a connection.

Edits queue locally, survive restarts, and replay against the list server
when it is reachable again. Conflicting edits are merged automatically
where safe and held for you to settle where not.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <data dir>/config.yaml)")
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the configured queue backend.
func openStore(cfg *config.Config) (store.Store, error) {
	opts := store.Options{
		PendingCap: cfg.Queue.PendingCap,
		Retention:  cfg.Queue.Retention,
	}
	switch cfg.Store {
	case "file":
		return store.OpenFile(cfg.StorePath(), opts)
	case "memory":
		return store.NewMemory(opts), nil
	default:
		return store.OpenSQLite(cfg.StorePath(), opts)
	}
}

// newDaemonLogger writes to stderr and a rotating file in the data dir.
func newDaemonLogger(cfg *config.Config) *log.Logger {
	rotating := &lumberjack.Logger{
		Filename:   cfg.LogFile(),
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	return log.New(io.MultiWriter(os.Stderr, rotating), "[grocsyncd] ", log.LstdFlags)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage grocsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		path := configPath
		if path == "" {
			path = cfg.DataDir + "/config.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := cfg.Write(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
