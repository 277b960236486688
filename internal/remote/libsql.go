//go:build cgo

package remote

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tursodatabase/go-libsql"
)

// LibSQLConfig points the adapter at the hosted libSQL database that all
// of a family's devices share.
type LibSQLConfig struct {
	// URL is the primary database URL (libsql://...).
	URL string

	// AuthToken authorizes this device against the primary.
	AuthToken string

	// ReplicaPath is where the embedded replica lives on disk. The
	// replica serves reads locally, which is exactly the staleness the
	// Store contract already allows.
	ReplicaPath string

	// SyncInterval is how often the replica pulls from the primary.
	SyncInterval time.Duration
}

// OpenLibSQL opens an embedded-replica connection to the hosted store
// and returns a ready SQLStore. The caller must call Close on the
// returned cleanup when done.
func OpenLibSQL(cfg LibSQLConfig) (*SQLStore, func() error, error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("libsql url is required")
	}
	if cfg.ReplicaPath == "" {
		return nil, nil, fmt.Errorf("replica path is required")
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}

	connector, err := libsql.NewEmbeddedReplicaConnector(cfg.ReplicaPath, cfg.URL,
		libsql.WithAuthToken(cfg.AuthToken),
		libsql.WithSyncInterval(cfg.SyncInterval),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create libsql connector: %w", err)
	}

	conn := sql.OpenDB(connector)
	cleanup := func() error {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close libsql connection: %w", err)
		}
		return connector.Close()
	}

	return NewSQLStore(conn), cleanup, nil
}
