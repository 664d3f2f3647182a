package repo

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a *sql.DB with migration support and exposes every entity
// repository as a field. Repositories never contact each other; composition
// happens in controllers.
type Store struct {
	*sql.DB

	Sandboxes    *SandboxRepo
	Execs        *ExecRepo
	Sessions     *SessionRepo
	Artifacts    *ArtifactRepo
	Nodes        *NodeRepo
	OrgQuotas    *OrgQuotaRepo
	Idempotency  *IdempotencyRepo
	Audit        *AuditRepo
}

// Open connects to PostgreSQL, runs migrations, and wires every repository.
func Open(databaseURL string) (*Store, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{DB: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s.Sandboxes = NewSandboxRepo(sqlDB)
	s.Execs = NewExecRepo(sqlDB)
	s.Sessions = NewSessionRepo(sqlDB)
	s.Artifacts = NewArtifactRepo(sqlDB)
	s.Nodes = NewNodeRepo(sqlDB)
	s.OrgQuotas = NewOrgQuotaRepo(sqlDB)
	s.Idempotency = NewIdempotencyRepo(sqlDB)
	s.Audit = NewAuditRepo(sqlDB)
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		var exists bool
		if err := s.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Info().Str("migration", name).Msg("applied migration")
	}

	return nil
}

// nullString converts a possibly-nil *string for driver binding.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
