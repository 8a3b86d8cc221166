package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/birdwatch-im/birdwatch/internal/directory"
)

// PGDirectory implements directory.Directory backed by Postgres.
type PGDirectory struct {
	db *sql.DB
}

func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

const userColumns = `id, identity, service_identity, status, auto_post, access_token, min_id, active, created_at, updated_at`

func (d *PGDirectory) ByIdentity(ctx context.Context, identity string) (*directory.User, error) {
	u, err := d.scanUser(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE identity = $1`, identity))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load user %s: %w", identity, err)
	}

	now := time.Now().UTC()
	u = &directory.User{
		ID:       uuid.New(),
		Identity: identity,
		Status:   directory.StatusUnavailable,
		Active:   true,
		Created:  now,
		Updated:  now,
	}
	// First contact can race across connections; on conflict the earlier
	// insert wins and is re-read.
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO users (id, identity, status, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (identity) DO NOTHING`,
		u.ID, u.Identity, string(u.Status), u.Active, u.Created, u.Updated)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", identity, err)
	}

	u, err = d.scanUser(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE identity = $1`, identity))
	if err != nil {
		return nil, fmt.Errorf("reload user %s: %w", identity, err)
	}
	return u, nil
}

func (d *PGDirectory) Save(ctx context.Context, u *directory.User) error {
	u.Updated = time.Now().UTC()
	_, err := d.db.ExecContext(ctx,
		`UPDATE users SET
			service_identity = $1, status = $2, auto_post = $3,
			access_token = $4, min_id = $5, active = $6, updated_at = $7
		 WHERE id = $8`,
		nilStr(u.ServiceIdentity), string(u.Status), u.AutoPost,
		nilStr(u.AccessToken), u.MinID, u.Active, u.Updated, u.ID)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.Identity, err)
	}
	return nil
}

func (d *PGDirectory) Counts(ctx context.Context) (directory.Counts, error) {
	var c directory.Counts
	err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM users
		 WHERE active AND status NOT IN ('dnd', 'offline', 'unavailable', 'unsubscribed')`,
	).Scan(&c.ActiveUsers)
	if err != nil {
		return c, fmt.Errorf("count users: %w", err)
	}
	err = d.db.QueryRowContext(ctx, `SELECT count(*) FROM tracks`).Scan(&c.TrackedTopics)
	if err != nil {
		return c, fmt.Errorf("count tracks: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *PGDirectory) scanUser(row rowScanner) (*directory.User, error) {
	var u directory.User
	var serviceIdentity, accessToken *string
	var status string
	err := row.Scan(&u.ID, &u.Identity, &serviceIdentity, &status, &u.AutoPost,
		&accessToken, &u.MinID, &u.Active, &u.Created, &u.Updated)
	if err != nil {
		return nil, err
	}
	u.ServiceIdentity = derefStr(serviceIdentity)
	u.Status = directory.Status(status)
	u.AccessToken = derefStr(accessToken)
	return &u, nil
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
