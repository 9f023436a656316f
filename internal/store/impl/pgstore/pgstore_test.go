package pgstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/record"
	"nuha.dev/gpsagent/internal/store"
)

type mockDB struct {
	mu      sync.Mutex
	table   pgx.Identifier
	cols    []string
	batches [][][]interface{}
	execs   []string
	args    [][]interface{}
	fail    bool
}

func (m *mockDB) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	var rows [][]interface{}
	for rowSrc.Next() {
		v, err := rowSrc.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = tableName
	m.cols = columnNames
	m.batches = append(m.batches, rows)
	if m.fail {
		return 0, errors.New("copy failed")
	}
	return int64(len(rows)), nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, sql)
	m.args = append(m.args, arguments)
	return nil, nil
}

func (m *mockDB) rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func entry(id string) store.Entry {
	return store.Entry{
		Record:   record.Record{DeviceID: id, Latitude: -6.2, Longitude: 106.8, Timestamp: 1710490716000, AppVersion: "1.0"},
		Protocol: "tcp",
		Remote:   "127.0.0.1:5000",
		Received: time.Now().UTC(),
	}
}

func TestFlushOnFullBuffer(t *testing.T) {
	db := &mockDB{}
	st := NewStore(db, "locations", &StoreConfig{BufSize: 3, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	for i := 0; i < 7; i++ {
		st.Put(entry("dev"))
	}
	assert.Eventually(t, func() bool { return db.rows() == 6 }, time.Second, 5*time.Millisecond)
	require.NoError(t, st.Close())

	db.mu.Lock()
	defer db.mu.Unlock()
	require.Len(t, db.batches, 3)
	assert.Len(t, db.batches[2], 1, "close flushes the remainder")
	assert.Equal(t, pgx.Identifier{"locations"}, db.table)
	assert.Equal(t, columns, db.cols)
	row := db.batches[0][0]
	assert.Equal(t, "dev", row[0])
	assert.Equal(t, time.UnixMilli(1710490716000).UTC(), row[3])
	assert.Equal(t, "tcp", row[7])
}

func TestFlushOnAge(t *testing.T) {
	db := &mockDB{}
	st := NewStore(db, "locations", &StoreConfig{BufSize: 100, TickerDur: 10 * time.Millisecond, MaxAgeFlush: 20 * time.Millisecond})
	st.Run()
	defer st.Close()
	st.Put(entry("a"))
	st.Put(entry("b"))
	assert.Eventually(t, func() bool { return db.rows() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPutAfterClose(t *testing.T) {
	db := &mockDB{fail: true}
	st := NewStore(db, "locations", &StoreConfig{BufSize: 2})
	st.Run()
	st.Put(entry("a"))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	st.Put(entry("b"))
	assert.Equal(t, 1, db.rows())
}

func TestMiscStore(t *testing.T) {
	db := &mockDB{}
	m := NewMiscStore(db)
	require.NoError(t, m.EnsureSchema(context.Background(), "locations"))
	require.Len(t, db.execs, 2)
	assert.True(t, strings.Contains(db.execs[0], `CREATE TABLE IF NOT EXISTS "locations"`))

	m.Reject("udp", "10.0.0.1:4000", []byte("HELLO"), record.ErrUnknownTag, time.Now())
	require.Len(t, db.args, 3)
	assert.Equal(t, "udp", db.args[2][0])
	assert.Equal(t, "HELLO", db.args[2][2])
}
