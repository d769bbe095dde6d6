package relational

import (
	"context"
	"errors"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/rs/zerolog/log"
)

var chSchema = []string{
	`CREATE TABLE IF NOT EXISTS plc_operations (
		did String,
		cid String,
		created_at DateTime64(3, 'UTC'),
		nullified Bool,
		operation String,
		seq UInt64
	) ENGINE = ReplacingMergeTree
	ORDER BY (did, cid)`,
	`CREATE TABLE IF NOT EXISTS plc_cursors (
		stream String,
		cursor String,
		version UInt64,
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY stream`,
}

// ClickHouse stores ops for analytics. It has no transactions: ApplyBatch
// inserts only keys not yet present, then writes the cursor row, so a replay
// after a crash between the two steps inserts nothing.
type ClickHouse struct {
	conn     clickhouse.Conn
	retryCfg retry.Config
}

// OpenClickHouse connects using a clickhouse:// DSN and creates the tables.
func OpenClickHouse(ctx context.Context, dsn string, _ Options) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, errmodel.Configuration("parse clickhouse url", err)
	}
	if opts.Settings == nil {
		opts.Settings = clickhouse.Settings{}
	}
	opts.Settings["max_execution_time"] = 60
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, errmodel.Storage("connect clickhouse", opts.Auth.Database, err)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Name = "clickhouse"
	if err := retry.Do(ctx, retryCfg, func() error { return conn.Ping(ctx) }); err != nil {
		conn.Close()
		return nil, errmodel.Storage("ping clickhouse", opts.Auth.Database, err)
	}

	c := &ClickHouse{conn: conn, retryCfg: retryCfg}
	for _, stmt := range chSchema {
		if err := c.exec(ctx, stmt); err != nil {
			conn.Close()
			return nil, errmodel.Storage("create schema", "clickhouse", err)
		}
	}

	log.Info().
		Strs("addr", opts.Addr).
		Str("database", opts.Auth.Database).
		Msg("Connected to ClickHouse")
	return c, nil
}

func (c *ClickHouse) ApplyBatch(ctx context.Context, stream string, ops []domain.Op, next domain.Cursor) (domain.Cursor, error) {
	current, err := c.Cursor(ctx, stream)
	if err != nil {
		return domain.Cursor{}, err
	}
	if err := c.InsertOps(ctx, domain.Batch{Ops: ops}.Trim(current)); err != nil {
		return current, errmodel.WithSubject(err, stream)
	}
	if !current.Before(next) {
		return current, nil
	}

	err = c.exec(ctx, `INSERT INTO plc_cursors (stream, cursor, version, updated_at) VALUES (?, ?, ?, ?)`,
		stream, next.String(), uint64(time.Now().UnixNano()), time.Now().UTC())
	if err != nil {
		return current, errmodel.Storage("write cursor", stream, err)
	}
	return next, nil
}

func (c *ClickHouse) Cursor(ctx context.Context, stream string) (domain.Cursor, error) {
	rows, err := c.query(ctx, `SELECT argMax(cursor, version) FROM plc_cursors WHERE stream = ?`, stream)
	if err != nil {
		return domain.Cursor{}, errmodel.Storage("read cursor", stream, err)
	}
	defer rows.Close()

	var raw string
	if rows.Next() {
		if err := rows.Scan(&raw); err != nil {
			return domain.Cursor{}, errmodel.Storage("read cursor", stream, err)
		}
	}
	cur, err := domain.ParseCursor(raw)
	if err != nil {
		return domain.Cursor{}, errmodel.Malformed("read cursor", err)
	}
	return cur, nil
}

// InsertOps inserts the ops whose (did, cid) is not stored yet.
func (c *ClickHouse) InsertOps(ctx context.Context, ops []domain.Op) error {
	if len(ops) == 0 {
		return nil
	}
	present, err := c.presentKeys(ctx, ops)
	if err != nil {
		return errmodel.Storage("read keys", "", err)
	}

	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO plc_operations (did, cid, created_at, nullified, operation, seq)")
	if err != nil {
		return errmodel.Storage("prepare batch", "", err)
	}
	n := 0
	for _, op := range ops {
		if present[op.Key()] {
			continue
		}
		present[op.Key()] = true
		if err := batch.Append(op.Did, op.CID, op.CreatedAt, op.Nullified, string(op.Operation), op.Seq); err != nil {
			batch.Abort()
			return errmodel.Storage("append to batch", op.Did, err)
		}
		n++
	}
	if n == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return errmodel.Storage("send batch", "", err)
	}
	log.Debug().Int("inserted", n).Int("skipped", len(ops)-n).Msg("Ops written to ClickHouse")
	return nil
}

func (c *ClickHouse) presentKeys(ctx context.Context, ops []domain.Op) (map[domain.OpKey]bool, error) {
	dids := make([]string, 0, len(ops))
	for _, op := range ops {
		dids = append(dids, op.Did)
	}
	rows, err := c.query(ctx, `SELECT did, cid FROM plc_operations WHERE has(?, did)`, dids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[domain.OpKey]bool)
	for rows.Next() {
		var k domain.OpKey
		if err := rows.Scan(&k.Did, &k.CID); err != nil {
			return nil, err
		}
		present[k] = true
	}
	return present, rows.Err()
}

func (c *ClickHouse) Latest(ctx context.Context) (time.Time, error) {
	rows, err := c.query(ctx, `SELECT max(created_at) FROM plc_operations`)
	if err != nil {
		return time.Time{}, errmodel.Storage("latest op", "clickhouse", err)
	}
	defer rows.Close()

	var latest time.Time
	if rows.Next() {
		if err := rows.Scan(&latest); err != nil {
			return time.Time{}, errmodel.Storage("latest op", "clickhouse", err)
		}
	}
	// max() of an empty table is the epoch.
	if latest.Unix() <= 0 {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

func (c *ClickHouse) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}

func (c *ClickHouse) query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (driver.Rows, error) {
		return c.conn.Query(ctx, query, args...)
	})
}

func (c *ClickHouse) exec(ctx context.Context, query string, args ...any) error {
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.conn.Exec(ctx, query, args...)
	})
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}
