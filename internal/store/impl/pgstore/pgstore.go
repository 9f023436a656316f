package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/store"
)

var columns = []string{"device_id", "latitude", "longitude", "record_time", "device_model", "os_version", "app_version", "protocol", "remote_addr", "server_time"}

// Copier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store batches entries in memory and writes each full or aged batch with a
// single COPY. Batches are written in order by one flusher goroutine.
type Store struct {
	config *StoreConfig
	db     Copier
	log    log.Logger
	table  string

	wlock  sync.Mutex
	wbuf   buffer
	closed bool
	flush  chan buffer
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []store.Entry
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]store.Entry, 0, len)}
}

func NewStore(db Copier, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	if o.config.BufSize <= 0 {
		o.config.BufSize = 10
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = 5 * time.Second
	}
	if o.config.MaxAgeFlush <= 0 {
		o.config.MaxAgeFlush = 5 * time.Second
	}
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.flush = make(chan buffer, 4)
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	return o
}

func (st *Store) Run() {
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 {
				st.rotate()
			}
			st.closed = true
			st.wlock.Unlock()
			close(st.flush)
			return
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.rotate()
			}
			st.wlock.Unlock()
		}
	}
}

func (st *Store) Put(e store.Entry) {
	st.wlock.Lock()
	defer st.wlock.Unlock()
	if st.closed {
		st.log.Warn().EmbedObject(&e).Msg("store closed, entry dropped")
		return
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, e)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.rotate()
	}
}

// rotate hands the write buffer to the flusher. Caller holds wlock.
func (st *Store) rotate() {
	next := st.wbuf.seq + 1
	st.flush <- st.wbuf
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	defer close(st.done)
	st.log.Info().Msg("starting flusher task")
	for buf := range st.flush {
		t1 := time.Now()
		n, err := st.db.CopyFrom(context.Background(),
			pgx.Identifier{st.table},
			columns,
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				d := buf.buf[i]
				r := d.Record
				return []interface{}{r.DeviceID, r.Latitude, r.Longitude, time.UnixMilli(r.Timestamp).UTC(), r.DeviceModel, r.OSVersion, r.AppVersion, d.Protocol, d.Remote, d.Received}, nil
			}))
		if err != nil {
			st.log.Error().Err(err).Uint64("seq", buf.seq).Int("length", len(buf.buf)).Msg("flush error")
		} else {
			st.log.Debug().Str("action", "flush").Uint64("seq", buf.seq).Int64("rows", n).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}

// Close flushes whatever is buffered and waits for the flusher to finish.
// It must only be called after Run.
func (st *Store) Close() error {
	st.once.Do(func() {
		close(st.stop)
	})
	<-st.done
	return nil
}
