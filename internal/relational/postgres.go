package relational

import (
	"context"
	"errors"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Ops tables as laid out by the did-method-plc reference server. They are
// only created with Options.InitSchema; normally the wrapped server owns them.
const pgOpsSchema = `
CREATE TABLE IF NOT EXISTS dids (
	did text PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS operations (
	did text NOT NULL,
	operation jsonb NOT NULL,
	cid text NOT NULL,
	nullified boolean NOT NULL DEFAULT false,
	"createdAt" timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (did, cid)
);
CREATE INDEX IF NOT EXISTS operations_createdat_index ON operations ("createdAt");
`

const pgCursorSchema = `
CREATE TABLE IF NOT EXISTS allegedly_cursors (
	stream text PRIMARY KEY,
	cursor text NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);
`

const (
	pgInsertDid = `INSERT INTO dids (did) VALUES ($1) ON CONFLICT DO NOTHING`
	pgInsertOp  = `INSERT INTO operations (did, operation, cid, nullified, "createdAt")
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	pgUpsertCursor = `INSERT INTO allegedly_cursors (stream, cursor, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (stream) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`
)

// Postgres stores ops in the reference server's tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errmodel.Configuration("parse postgres url", errors.New("invalid connection string"))
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errmodel.Storage("connect postgres", cfg.ConnConfig.Host, err)
	}

	retryCfg := retry.StorageConfig()
	retryCfg.Name = "postgres ping"
	if err := retry.Do(ctx, retryCfg, func() error {
		if err := pool.Ping(ctx); err != nil {
			return errmodel.Storage("ping postgres", cfg.ConnConfig.Host, err)
		}
		return nil
	}); err != nil {
		pool.Close()
		return nil, err
	}

	p := &Postgres{pool: pool}
	if err := p.EnsureSchema(ctx, opts.InitSchema); err != nil {
		pool.Close()
		return nil, err
	}
	if !opts.InitSchema {
		p.CheckMigrations(ctx)
	}

	log.Info().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Msg("Connected to Postgres")
	return p, nil
}

// EnsureSchema creates the cursor table, and the ops tables when withOps.
func (p *Postgres) EnsureSchema(ctx context.Context, withOps bool) error {
	stmts := pgCursorSchema
	if withOps {
		stmts = pgOpsSchema + stmts
	}
	if _, err := p.pool.Exec(ctx, stmts); err != nil {
		return errmodel.Storage("create schema", "postgres", err)
	}
	return nil
}

// CheckMigrations warns when the database does not look like one managed by
// the reference server.
func (p *Postgres) CheckMigrations(ctx context.Context) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM kysely_migration`).Scan(&n)
	if err != nil {
		log.Warn().Err(err).Msg("Reference server migrations not found; is this the wrapped server's database?")
		return
	}
	if n == 0 {
		log.Warn().Msg("Reference server has not applied any migrations")
		return
	}
	log.Debug().Int("migrations", n).Msg("Reference server schema present")
}

func (p *Postgres) ApplyBatch(ctx context.Context, stream string, ops []domain.Op, next domain.Cursor) (domain.Cursor, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Cursor{}, errmodel.Storage("begin", stream, err)
	}
	defer tx.Rollback(ctx)

	current, err := readPGCursor(ctx, tx, stream, true)
	if err != nil {
		return domain.Cursor{}, err
	}
	fresh := domain.Batch{Ops: ops}.Trim(current)
	if !current.Before(next) && len(fresh) == 0 {
		return current, nil
	}

	b := &pgx.Batch{}
	queueOps(b, fresh)
	committed := current
	if current.Before(next) {
		b.Queue(pgUpsertCursor, stream, next.String())
		committed = next
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return current, errmodel.Storage("apply batch", stream, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return current, errmodel.Storage("commit", stream, err)
	}
	return committed, nil
}

func (p *Postgres) Cursor(ctx context.Context, stream string) (domain.Cursor, error) {
	return readPGCursor(ctx, p.pool, stream, false)
}

func (p *Postgres) InsertOps(ctx context.Context, ops []domain.Op) error {
	if len(ops) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	queueOps(b, ops)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return errmodel.Storage("insert ops", ops[0].Did, err)
	}
	return nil
}

func (p *Postgres) Latest(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	if err := p.pool.QueryRow(ctx, `SELECT max("createdAt") FROM operations`).Scan(&latest); err != nil {
		return time.Time{}, errmodel.Storage("latest op", "postgres", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func queueOps(b *pgx.Batch, ops []domain.Op) {
	for _, op := range ops {
		b.Queue(pgInsertDid, op.Did)
		b.Queue(pgInsertOp, op.Did, string(op.Operation), op.CID, op.Nullified, op.CreatedAt)
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readPGCursor(ctx context.Context, q querier, stream string, lock bool) (domain.Cursor, error) {
	query := `SELECT cursor FROM allegedly_cursors WHERE stream = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var raw string
	err := q.QueryRow(ctx, query, stream).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cursor{}, nil
	}
	if err != nil {
		return domain.Cursor{}, errmodel.Storage("read cursor", stream, err)
	}
	c, err := domain.ParseCursor(raw)
	if err != nil {
		return domain.Cursor{}, errmodel.Malformed("read cursor", err)
	}
	return c, nil
}
