package logstore

import (
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/store"
)

const (
	RECORD_RECEIVED string = "record_received"
	RECORD_REJECTED string = "record_rejected"
)

type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Put(e store.Entry) {
	l.log.Info().Str("event", RECORD_RECEIVED).EmbedObject(&e).Str("device_model", e.Record.DeviceModel).Str("os_version", e.Record.OSVersion).Str("app_version", e.Record.AppVersion).Time("received", e.Received).Msg("")
}

func (l *LogStore) Reject(protocol, remote string, msg []byte, reason error, t time.Time) {
	l.log.Warn().Str("event", RECORD_REJECTED).Str("protocol", protocol).Str("remote", remote).Bytes("message", msg).Err(reason).Msg("")
}

func (l *LogStore) Close() error {
	return nil
}
