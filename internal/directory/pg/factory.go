package pg

import (
	"database/sql"
	"fmt"

	"github.com/birdwatch-im/birdwatch/internal/directory"
)

// Stores bundles the Postgres-backed directory stores over one pool.
type Stores struct {
	DB     *sql.DB
	Users  directory.Directory
	Tracks directory.TrackStore
}

// NewStores opens the pool and wires both stores (managed mode).
func NewStores(dsn string) (*Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Stores{
		DB:     db,
		Users:  NewPGDirectory(db),
		Tracks: NewPGTrackStore(db),
	}, nil
}

func (s *Stores) Close() error {
	return s.DB.Close()
}
