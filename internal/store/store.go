package store

import (
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/record"
)

// Entry is one decoded record as received by a collector.
type Entry struct {
	Record   record.Record `json:"record"`
	Protocol string        `json:"protocol"`
	Remote   string        `json:"remote"`
	Received time.Time     `json:"received"`
}

func (e *Entry) MarshalObject(l *log.Entry) {
	l.Str("device_id", e.Record.DeviceID).Float64("lat", e.Record.Latitude).Float64("lon", e.Record.Longitude).Int64("timestamp", e.Record.Timestamp).Str("protocol", e.Protocol).Str("remote", e.Remote)
}

type Store interface {
	Put(e Entry)
	Close() error
}

// Rejecter records messages a collector could not decode.
type Rejecter interface {
	Reject(protocol, remote string, msg []byte, reason error, t time.Time)
}
