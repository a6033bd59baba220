package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/directorybolt/submitd/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool backing the catalog.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresRepository reads directory records from Postgres.
type PostgresRepository struct {
	pool  queryCloser
	table string
}

// NewPostgresRepository creates a Postgres-backed catalog using the provided
// config.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "directories"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresRepository{pool: pool, table: table}, nil
}

// NewPostgresRepositoryWithPool constructs a repository from an existing pool
// (primarily for testing).
func NewPostgresRepositoryWithPool(pool queryCloser, table string) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "directories"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresRepository{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (r *PostgresRepository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// GetDirectory fetches a record by ID.
func (r *PostgresRepository) GetDirectory(ctx context.Context, id string) (pipeline.DirectoryRecord, error) {
	query := fmt.Sprintf(`SELECT id, name, url, submission_url, category, domain_authority,
		traffic_potential, difficulty, priority, requires_login, has_captcha,
		captcha_type, form_mapping, form_field_count, anti_bot_level, success_rate,
		discovery_method, last_verified_at
		FROM %s WHERE id = $1`, r.table)
	row := r.pool.QueryRow(ctx, query, id)
	d, err := scanDirectory(row)
	if err != nil {
		return pipeline.DirectoryRecord{}, fmt.Errorf("get directory %q: %w", id, err)
	}
	return d, nil
}

// ListDirectories returns records matching the criteria. Industry matching
// includes general directories, which accept any business type.
func (r *PostgresRepository) ListDirectories(ctx context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, error) {
	query := fmt.Sprintf(`SELECT id, name, url, submission_url, category, domain_authority,
		traffic_potential, difficulty, priority, requires_login, has_captcha,
		captcha_type, form_mapping, form_field_count, anti_bot_level, success_rate,
		discovery_method, last_verified_at
		FROM %s
		WHERE domain_authority >= $1
		  AND ($2 = '' OR category = $2 OR category LIKE '%%' || $2 || '%%' OR category = 'general-directory')
		ORDER BY id`, r.table)
	rows, err := r.pool.Query(ctx, query, criteria.MinDomainAuthority, criteria.Industry)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DirectoryRecord
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directories: %w", err)
	}
	return out, nil
}

// UpsertDirectory writes a record, used to persist dynamically discovered
// directories and cached form mappings.
func (r *PostgresRepository) UpsertDirectory(ctx context.Context, d pipeline.DirectoryRecord) error {
	var mappingJSON []byte
	if d.FormMapping != nil {
		var err error
		mappingJSON, err = json.Marshal(d.FormMapping)
		if err != nil {
			return fmt.Errorf("marshal form mapping: %w", err)
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, name, url, submission_url, category, domain_authority,
		traffic_potential, difficulty, priority, requires_login, has_captcha,
		captcha_type, form_mapping, form_field_count, anti_bot_level, success_rate,
		discovery_method, last_verified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
		  form_mapping = EXCLUDED.form_mapping,
		  success_rate = EXCLUDED.success_rate,
		  last_verified_at = EXCLUDED.last_verified_at`, r.table)
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.Name, d.URL, d.SubmissionURL, d.Category, d.DomainAuthority,
		d.TrafficPotential, d.Difficulty, d.Priority, d.RequiresLogin, d.HasCaptcha,
		string(d.CaptchaType), mappingJSON, d.FormFieldCount, d.AntiBotLevel, d.SuccessRate,
		string(d.DiscoveryMethod), d.LastVerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert directory %q: %w", d.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirectory(row rowScanner) (pipeline.DirectoryRecord, error) {
	var (
		d           pipeline.DirectoryRecord
		captchaType string
		method      string
		mappingJSON []byte
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.URL, &d.SubmissionURL, &d.Category, &d.DomainAuthority,
		&d.TrafficPotential, &d.Difficulty, &d.Priority, &d.RequiresLogin, &d.HasCaptcha,
		&captchaType, &mappingJSON, &d.FormFieldCount, &d.AntiBotLevel, &d.SuccessRate,
		&method, &d.LastVerifiedAt,
	)
	if err != nil {
		return pipeline.DirectoryRecord{}, err
	}
	d.CaptchaType = pipeline.CaptchaType(captchaType)
	d.DiscoveryMethod = pipeline.DiscoveryMethod(method)
	if len(mappingJSON) > 0 {
		var m pipeline.FormFieldMapping
		if err := json.Unmarshal(mappingJSON, &m); err != nil {
			return pipeline.DirectoryRecord{}, fmt.Errorf("decode form mapping: %w", err)
		}
		d.FormMapping = &m
	}
	return d, nil
}
