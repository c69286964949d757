package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/sdk/id"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS authazure_users (
	id            text PRIMARY KEY,
	username      text NOT NULL UNIQUE,
	fullname      text NOT NULL DEFAULT '',
	email         text NOT NULL DEFAULT '',
	photo         text NOT NULL DEFAULT '',
	active        boolean NOT NULL DEFAULT true,
	password_hash text NOT NULL DEFAULT '',
	remember_me   boolean NOT NULL DEFAULT false,
	last_login    timestamptz,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS authazure_user_groups (
	user_id    text NOT NULL REFERENCES authazure_users(id) ON DELETE CASCADE,
	group_name text NOT NULL,
	parent     text NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, group_name)
);
CREATE TABLE IF NOT EXISTS authazure_session_contexts (
	user_id text NOT NULL REFERENCES authazure_users(id) ON DELETE CASCADE,
	context text NOT NULL,
	PRIMARY KEY (user_id, context)
);
CREATE TABLE IF NOT EXISTS authazure_user_extensions (
	user_id    text PRIMARY KEY REFERENCES authazure_users(id) ON DELETE CASCADE,
	claims     jsonb NOT NULL,
	profile    jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);`

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	const op = "user.NewPostgresStore"
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithMsg("invalid database URL"), errs.WithFatal())
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("database ping failed"), errs.WithFatal())
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the store's tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const op = "PostgresStore.Migrate"
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) LookupByUsername(ctx context.Context, username string) (*Profile, error) {
	const op = "PostgresStore.LookupByUsername"
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, fullname, email, photo, active FROM authazure_users WHERE username = $1`,
		username).Scan(&p.ID, &p.Username, &p.Fullname, &p.Email, &p.PhotoURL, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.ErrNotFound, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("user %q", username)))
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	rows, err := s.pool.Query(ctx, `SELECT group_name FROM authazure_user_groups WHERE user_id = $1 ORDER BY group_name`, p.ID)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	p.Groups, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return &p, nil
}

func (s *PostgresStore) Create(ctx context.Context, f Fields) (string, error) {
	if err := validateFields(f, false); err != nil {
		return "", err
	}
	uid, err := id.New("usr")
	if err != nil {
		return "", err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO authazure_users (id, username, fullname, email, photo, active) VALUES ($1, $2, $3, $4, $5, $6)`,
			uid, f.Username, f.Fullname, f.Email, f.Photo, f.Active)
		if err != nil {
			return describePgError(err)
		}
		return writeGroups(ctx, tx, uid, f)
	})
	if err != nil {
		return "", err
	}
	return uid, nil
}

func (s *PostgresStore) Update(ctx context.Context, f Fields) error {
	if err := validateFields(f, true); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE authazure_users SET username = $2, fullname = $3, email = $4, photo = $5, active = $6, updated_at = now() WHERE id = $1`,
			f.ID, f.Username, f.Fullname, f.Email, f.Photo, f.Active)
		if err != nil {
			return describePgError(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %q does not exist", f.ID)
		}
		return writeGroups(ctx, tx, f.ID, f)
	})
}

// writeGroups adds the default groups and replaces the groups synchronized
// under f.GroupsParent.
func writeGroups(ctx context.Context, tx pgx.Tx, userID string, f Fields) error {
	batch := &pgx.Batch{}
	for _, g := range f.DefaultGroups {
		batch.Queue(`INSERT INTO authazure_user_groups (user_id, group_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, g)
	}
	if f.GroupsParent != "" {
		batch.Queue(`DELETE FROM authazure_user_groups WHERE user_id = $1 AND parent = $2`, userID, f.GroupsParent)
		for _, g := range f.Groups {
			batch.Queue(`INSERT INTO authazure_user_groups (user_id, group_name, parent) VALUES ($1, $2, $3)
				ON CONFLICT (user_id, group_name) DO UPDATE SET parent = EXCLUDED.parent`, userID, g, f.GroupsParent)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authazure_users WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %q does not exist", userID)
	}
	return nil
}

func (s *PostgresStore) IsMember(ctx context.Context, userID string, groups []string) (bool, error) {
	lowered := make([]string, 0, len(groups))
	for _, g := range groups {
		lowered = append(lowered, strings.ToLower(g))
	}
	var member bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM authazure_user_groups WHERE user_id = $1 AND lower(group_name) = ANY($2))`,
		userID, lowered).Scan(&member)
	return member, err
}

func (s *PostgresStore) AddSessionContext(ctx context.Context, userID, loginContext string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO authazure_session_contexts (user_id, context) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, loginContext)
	return describePgError(err)
}

// Login replaces the user's password hash and opens a session in
// req.LoginContext. Inactive users can't log in.
func (s *PostgresStore) Login(ctx context.Context, req LoginRequest) error {
	if req.Password == "" {
		return errors.New("password is empty")
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var uid string
		err := tx.QueryRow(ctx,
			`UPDATE authazure_users SET password_hash = $2, remember_me = $3, last_login = now()
			WHERE username = $1 AND active RETURNING id`,
			req.Username, hash, req.RememberMe).Scan(&uid)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %q does not exist or is inactive", req.Username)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO authazure_session_contexts (user_id, context) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			uid, req.LoginContext)
		return err
	})
}

func (s *PostgresStore) SaveExtension(ctx context.Context, e Extension) error {
	claims, profile := e.Claims, e.Profile
	if claims == nil {
		claims = map[string]interface{}{}
	}
	if profile == nil {
		profile = map[string]interface{}{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO authazure_user_extensions (user_id, claims, profile) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET claims = EXCLUDED.claims, profile = EXCLUDED.profile, updated_at = now()`,
		e.UserID, claims, profile)
	return describePgError(err)
}

// describePgError turns constraint violations into readable store messages.
func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s already exists: %w", pgErr.ConstraintName, err)
		default:
			return fmt.Errorf("%s: %w", pgErr.Message, err)
		}
	}
	return err
}
