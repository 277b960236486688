//go:build !cgo

package remote

import (
	"fmt"
	"time"
)

// LibSQLConfig mirrors the cgo build's configuration so callers compile
// either way.
type LibSQLConfig struct {
	URL          string
	AuthToken    string
	ReplicaPath  string
	SyncInterval time.Duration
}

// OpenLibSQL is unavailable without cgo; the embedded replica driver
// needs it.
func OpenLibSQL(cfg LibSQLConfig) (*SQLStore, func() error, error) {
	return nil, nil, fmt.Errorf("libsql remote requires a cgo-enabled build")
}
