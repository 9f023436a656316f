package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
)

// Execer is satisfied by *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

const locationsDDL = `CREATE TABLE IF NOT EXISTS %s (
	device_id    text NOT NULL,
	latitude     double precision NOT NULL,
	longitude    double precision NOT NULL,
	record_time  timestamptz NOT NULL,
	device_model text,
	os_version   text,
	app_version  text,
	protocol     text NOT NULL,
	remote_addr  text,
	server_time  timestamptz NOT NULL
)`

const rejectedDDL = `CREATE TABLE IF NOT EXISTS rejected_message (
	protocol      text NOT NULL,
	remote_addr   text,
	message       text,
	reason        text,
	received_time timestamptz NOT NULL
)`

type PgMiscStore struct {
	db  Execer
	log log.Logger
}

func NewMiscStore(db Execer) *PgMiscStore {
	m := PgMiscStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "misc_store").Value()
	return &m
}

// EnsureSchema creates the location table and the rejected message table
// when missing.
func (st *PgMiscStore) EnsureSchema(ctx context.Context, table string) error {
	ident := pgx.Identifier{table}.Sanitize()
	if _, err := st.db.Exec(ctx, fmt.Sprintf(locationsDDL, ident)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	if _, err := st.db.Exec(ctx, rejectedDDL); err != nil {
		return fmt.Errorf("create rejected_message: %w", err)
	}
	return nil
}

func (st *PgMiscStore) Reject(protocol, remote string, msg []byte, reason error, t time.Time) {
	_, err := st.db.Exec(context.Background(), `INSERT INTO rejected_message (protocol,remote_addr,message,reason,received_time) VALUES ($1,$2,$3,$4,$5)`, protocol, remote, string(msg), reason.Error(), t)
	if err != nil {
		st.log.Error().Err(err).Msg("error saving rejected message")
	}
}
