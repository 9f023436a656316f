package natsstore

import (
	"encoding/json"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/store"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Store publishes every entry as JSON on subject, suffixed with the device
// id so that subscribers can filter per device (gps.records.<device_id>).
type Store struct {
	pub       Publisher
	conn      *nats.Conn
	subject   string
	log       log.Logger
	published uint64
	failed    uint64
}

func Connect(url string, subject string) (*Store, error) {
	nc, err := nats.Connect(url, nats.Name("gpscollector"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	s := NewStore(nc, subject)
	s.conn = nc
	return s, nil
}

func NewStore(pub Publisher, subject string) *Store {
	s := &Store{pub: pub, subject: subject}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "natsstore").Str("subject", subject).Value()
	return s
}

func (s *Store) Put(e store.Entry) {
	data, err := json.Marshal(e)
	if err == nil {
		err = s.pub.Publish(s.subject+"."+e.Record.DeviceID, data)
	}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		s.log.Error().Err(err).EmbedObject(&e).Msg("publish error")
		return
	}
	atomic.AddUint64(&s.published, 1)
}

func (s *Store) Stat() (published uint64, failed uint64) {
	return atomic.LoadUint64(&s.published), atomic.LoadUint64(&s.failed)
}

// Close drains the connection opened by Connect.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
