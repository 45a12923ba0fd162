package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"

	"github.com/open-apime/disparador/internal/config"
)

// migrator abstrai o banco alvo: controle em schema_migrations e execução.
type migrator interface {
	ensure(ctx context.Context) error
	applied(ctx context.Context, version string) (bool, error)
	apply(ctx context.Context, version, script string) error
	close()
}

func main() {
	dir := flag.String("dir", "", "Diretório de migrations (padrão: db/migrations/<driver>)")
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if *dir == "" {
		*dir = filepath.Join("db", "migrations", driver)
	}

	var (
		m   migrator
		err error
	)
	switch driver {
	case "sqlite":
		m, err = openSQLite(cfg.Storage.DataDir)
	case "postgres":
		m, err = openPostgres(ctx, cfg.DB.DSN())
	default:
		log.Fatalf("migrate: driver desconhecido: %s", driver)
	}
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	defer m.close()

	log.Printf("migrate: usando %s, migrations em %s", driver, *dir)
	if err := run(ctx, m, *dir); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrate: concluído com sucesso.")
}

func run(ctx context.Context, m migrator, dir string) error {
	if err := m.ensure(ctx); err != nil {
		return fmt.Errorf("preparar schema_migrations: %w", err)
	}
	files, err := listSQLFiles(dir, ".up.sql")
	if err != nil {
		return fmt.Errorf("listar migrations: %w", err)
	}
	if len(files) == 0 {
		log.Printf("migrate: nenhum arquivo .up.sql encontrado em %s", dir)
		return nil
	}

	for _, file := range files {
		version := filepath.Base(file)
		done, err := m.applied(ctx, version)
		if err != nil {
			return fmt.Errorf("verificar %s: %w", version, err)
		}
		if done {
			continue
		}
		script, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("ler %s: %w", version, err)
		}
		log.Printf("migrate: aplicando %s ...", version)
		if err := m.apply(ctx, version, string(script)); err != nil {
			return fmt.Errorf("executar %s: %w", version, err)
		}
	}
	return nil
}

type sqliteMigrator struct {
	db *sql.DB
}

func openSQLite(dataDir string) (*sqliteMigrator, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("criar diretório: %w", err)
	}
	dbPath := filepath.Join(dataDir, "disparador.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath))
	if err != nil {
		return nil, fmt.Errorf("abrir SQLite: %w", err)
	}
	log.Printf("migrate: conectado ao SQLite em %s", dbPath)
	return &sqliteMigrator{db: db}, nil
}

func (m *sqliteMigrator) ensure(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func (m *sqliteMigrator) applied(ctx context.Context, version string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	return count > 0, err
}

// apply executa o script e o registro na mesma transação; o driver sqlite3
// não aceita várias instruções por Exec, por isso o split em ";".
func (m *sqliteMigrator) apply(ctx context.Context, version, script string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *sqliteMigrator) close() { _ = m.db.Close() }

type postgresMigrator struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string) (*postgresMigrator, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("conectar no PostgreSQL: %w", err)
	}
	log.Println("migrate: conectado ao PostgreSQL")
	return &postgresMigrator{pool: pool}, nil
}

func (m *postgresMigrator) ensure(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *postgresMigrator) applied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
	return exists, err
}

func (m *postgresMigrator) apply(ctx context.Context, version, script string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, script); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (m *postgresMigrator) close() { m.pool.Close() }

func listSQLFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
