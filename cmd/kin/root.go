package main

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/config"
	"github.com/kinshipd/kinship/internal/daemon"
	"github.com/kinshipd/kinship/internal/identity"
	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/store"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "kin",
	Short: "Household device pairing and sync agent",
	Long: `kin pairs a supervising device with supervised devices and keeps
screen-time rules, usage data, and commands synchronized between them
through a shared eventually-consistent store.

Run 'kin daemon' for the long-running agent, or use the subcommands for
one-off operations against the same local state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing kinship.yml (default: ., ~/.kinship)")
}

// loadConfig reads configuration honoring --config-dir.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return cfg, nil
}

// openLocalStore opens the local database and ensures the schema.
func openLocalStore(cmd *cobra.Command, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := st.InitSchema(cmd.Context()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return st, nil
}

// openRemoteStore connects to the shared store. With a remote URL
// configured the hosted libSQL database is used through an embedded
// replica; otherwise a local file stands in, which is enough for
// single-machine setups and development.
func openRemoteStore(cmd *cobra.Command, cfg *config.Config) (remote.Store, func() error, error) {
	if cfg.Remote.URL != "" {
		replica := cfg.Remote.ReplicaPath
		if replica == "" {
			replica = filepath.Join(cfg.DataDir, "replica.db")
		}
		rs, cleanup, err := remote.OpenLibSQL(remote.LibSQLConfig{
			URL:          cfg.Remote.URL,
			AuthToken:    cfg.Remote.AuthToken,
			ReplicaPath:  replica,
			SyncInterval: cfg.Remote.SyncInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := rs.InitSchema(cmd.Context()); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to initialize remote schema: %w", err)
		}
		return rs, cleanup, nil
	}

	path := filepath.Join(cfg.DataDir, "remote.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local remote stand-in: %w", err)
	}
	rs := remote.NewSQLStore(conn)
	if err := rs.InitSchema(cmd.Context()); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return rs, conn.Close, nil
}

// buildAgent assembles the same component graph the daemon runs, for
// one-off commands that operate on the shared local state. The caller
// must invoke cleanup when done.
func buildAgent(cmd *cobra.Command, name, role string) (*daemon.Agent, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	id, err := loadIdentity(cfg, name, role)
	if err != nil {
		return nil, nil, err
	}

	st, err := openLocalStore(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}

	rs, remoteCleanup, err := openRemoteStore(cmd, cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	quiet := log.New(io.Discard, "", 0)
	agent, err := daemon.New(cfg, id, st, rs, quiet)
	if err != nil {
		remoteCleanup()
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		remoteCleanup()
		st.Close()
	}
	return agent, cleanup, nil
}

// loadIdentity loads the device identity, creating it on first run.
func loadIdentity(cfg *config.Config, name, role string) (*identity.Identity, error) {
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "this device"
		}
	}
	id, err := identity.LoadOrCreate(cfg.IdentityPath(), name, role)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return id, nil
}
