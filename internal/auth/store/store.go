// Package store is the persisted credential backend of the htpasswd
// authenticator type: a migrated table of username/bcrypt-hash/role rows,
// queried through bun. The static authenticator does not use it.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var ErrUnknownUser = errors.New("store: unknown user")
var ErrUserExists = errors.New("store: user already exists")

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// Credential is one row of the credentials table.
type Credential struct {
	bun.BaseModel `bun:"table:credentials"`

	ID           int64  `bun:"id,pk,autoincrement"`
	Username     string `bun:"username,unique,notnull"`
	PasswordHash string `bun:"password_hash,notnull"`
	Role         string `bun:"role,notnull"`
}

// Store is the credential backend surface an htpasswd authenticator
// drives its AddUserHook/DeleteUserHook/ListUserHook/Authenticate from.
type Store struct {
	db  *bun.DB
	log *slog.Logger
}

// Open connects to driverName/dsn (sqlite3 or postgres), runs embedded
// migrations, and returns a ready Store.
func Open(ctx context.Context, driverName, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqldb, err := sql.Open(sqlDriver(driverName), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}

	var db *bun.DB
	switch driverName {
	case "postgres":
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	if err := runMigrations(sqldb, driverName); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

func sqlDriver(driverName string) string {
	if driverName == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func runMigrations(sqldb *sql.DB, driverName string) error {
	if driverName == "postgres" {
		src, err := iofs.New(postgresMigrations, "migrations/postgres")
		if err != nil {
			return err
		}
		pgDriver, err := postgres.WithInstance(sqldb, &postgres.Config{})
		if err != nil {
			return err
		}
		m, err := migrate.NewWithInstance("iofs", src, "postgres", pgDriver)
		if err != nil {
			return err
		}
		return upOrNoChange(m)
	}

	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return err
	}
	sqliteDriver, err := sqlite.WithInstance(sqldb, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", sqliteDriver)
	if err != nil {
		return err
	}
	return upOrNoChange(m)
}

func upOrNoChange(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash
// for username, returning the bound role on success.
func (s *Store) VerifyPassword(ctx context.Context, username, password string) (ok bool, role string, err error) {
	var cred Credential
	err = s.db.NewSelect().Model(&cred).Where("username = ?", username).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("store: lookup %s: %w", username, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return false, "", nil
	}
	return true, cred.Role, nil
}

// AddUser inserts a new credential row, hashing password with bcrypt.
func (s *Store) AddUser(ctx context.Context, username, password, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("store: hash password: %w", err)
	}
	cred := &Credential{Username: username, PasswordHash: string(hash), Role: role}
	_, err = s.db.NewInsert().Model(cred).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: add user %s: %w", username, err)
	}
	return nil
}

// DeleteUser removes username's credential row.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.NewDelete().Model((*Credential)(nil)).Where("username = ?", username).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: delete user %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownUser
	}
	return nil
}

// ListUsers returns every username currently stored, in no particular
// order.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	var creds []Credential
	if err := s.db.NewSelect().Model(&creds).Column("username").Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	names := make([]string, 0, len(creds))
	for _, c := range creds {
		names = append(names, c.Username)
	}
	return names, nil
}

func (s *Store) Close() error { return s.db.Close() }
