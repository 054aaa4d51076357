package store

import (
	"context"
	_ "embed"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed host_store_schema.sql
var schemaScript string

// PGStore is a Store backed by a postgres database, meant for server
// deployments where the host outlives a single machine.
type PGStore struct {
	DB   PGDB
	pool *pgxpool.Pool
}

// PGStoreMigrate creates the host schema.
func PGStoreMigrate(pgconn *pgx.Conn) error {
	_, err := pgconn.Exec(context.Background(), schemaScript)

	return wrapError(err, "failed db schema initialization") // nil if err is nil
}

// NewPGStore returns a PGStore pooling connections to dsn.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}

	return &PGStore{DB: pool, pool: pool}, nil
}

// Close releases the connection pool.
func (self *PGStore) Close() error {
	if nil != self.pool {
		self.pool.Close()
	}
	return nil
}

// AppendTxs implements TxStore.
func (self *PGStore) AppendTxs(ctx context.Context, txs []TxRecord) error {
	for _, rec := range txs {
		_, err := self.DB.Exec(
			ctx,
			`INSERT INTO masp_tx(ix, height, flag, payload) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (ix) DO UPDATE SET
			 height = EXCLUDED.height,
			 flag = EXCLUDED.flag,
			 payload = EXCLUDED.payload`,
			int64(rec.Index),
			int64(rec.Height),
			rec.Flag,
			rec.Payload,
		)
		if nil != err {
			return wrapError(err, "failed saving tx %d", rec.Index)
		}
	}

	return nil
}

// TxsAt implements TxStore.
func (self *PGStore) TxsAt(ctx context.Context, height uint64) ([]TxRecord, error) {
	rows, err := self.DB.Query(
		ctx,
		`SELECT
		   ix as "Index",
		   height as "Height",
		   flag as "Flag",
		   payload as "Payload"
		 FROM masp_tx
		 WHERE height = $1
		 ORDER BY ix`,
		int64(height),
	)
	if nil != err {
		return nil, wrapError(err, "failed DB.Query")
	}
	txs, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[TxRecord])
	return txs, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

// MaxHeight implements TxStore.
func (self *PGStore) MaxHeight(ctx context.Context) (uint64, bool, error) {
	var maxh *int64
	row := self.DB.QueryRow(ctx, `SELECT MAX(height) FROM masp_tx`)
	err := row.Scan(&maxh)
	if nil != err {
		return 0, false, wrapError(err, "failed max height query")
	}
	if nil == maxh {
		return 0, false, nil
	}

	return uint64(*maxh), true, nil
}

// AppendResults implements ResultStore. All rows land in one database
// transaction.
func (self *PGStore) AppendResults(ctx context.Context, rows []TaggedResult) error {
	if nil == self.pool {
		return self.appendResults(ctx, self.DB, rows)
	}

	tx, err := self.pool.Begin(ctx)
	if nil != err {
		return wrapError(err, "failed opening transaction")
	}
	defer tx.Rollback(ctx)

	err = self.appendResults(ctx, tx, rows)
	if nil != err {
		return err
	}

	return wrapError(tx.Commit(ctx), "failed committing results") // nil if err is nil
}

func (self *PGStore) appendResults(ctx context.Context, db PGDB, rows []TaggedResult) error {
	for _, row := range rows {
		_, err := db.Exec(
			ctx,
			`INSERT INTO sealed_result(tag, height, uid, ct) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (tag, height, uid) DO UPDATE SET ct = EXCLUDED.ct`,
			row.Tag,
			int64(row.Height),
			row.UUID[:],
			row.CT,
		)
		if nil != err {
			return wrapError(err, "failed saving result for tag %x", row.Tag)
		}
	}

	return nil
}

// ResultsByTag implements ResultStore.
func (self *PGStore) ResultsByTag(ctx context.Context, tag []byte) ([]SealedRow, error) {
	rows, err := self.DB.Query(
		ctx,
		`SELECT height, uid, ct
		 FROM sealed_result
		 WHERE tag = $1
		 ORDER BY height, uid`,
		tag,
	)
	if nil != err {
		return nil, wrapError(err, "failed DB.Query")
	}
	defer rows.Close()

	var sealed []SealedRow
	for rows.Next() {
		var height int64
		var uid []byte
		var row SealedRow
		err = rows.Scan(&height, &uid, &row.CT)
		if nil != err {
			return nil, wrapError(err, "failed scanning result row")
		}
		row.Height = uint64(height)
		err = row.UUID.UnmarshalBinary(uid)
		if nil != err {
			return nil, wrapError(err, "failed decoding result uuid")
		}
		sealed = append(sealed, row)
	}

	return sealed, wrapError(rows.Err(), "failed iterating results") // nil if err is nil
}

// InstanceUUID implements Store.
func (self *PGStore) InstanceUUID(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	var value []byte

	row := self.DB.QueryRow(ctx, `SELECT value FROM host_meta WHERE name = 'instance_uuid'`)
	err := row.Scan(&value)
	if nil == err {
		return id, wrapError(id.UnmarshalBinary(value), "failed decoding instance uuid") // nil if err is nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return id, wrapError(err, "failed loading instance uuid")
	}

	id = uuid.New()
	row = self.DB.QueryRow(
		ctx,
		`INSERT INTO host_meta(name, value) VALUES ('instance_uuid', $1)
		 ON CONFLICT (name) DO UPDATE SET value = host_meta.value
		 RETURNING value`,
		id[:],
	)
	err = row.Scan(&value)
	if nil != err {
		return id, wrapError(err, "failed minting instance uuid")
	}

	return id, wrapError(id.UnmarshalBinary(value), "failed decoding instance uuid") // nil if err is nil
}

var _ Store = &PGStore{}
