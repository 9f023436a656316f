package natsstore

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/record"
	"nuha.dev/gpsagent/internal/store"
)

type mockPub struct {
	subjects []string
	data     [][]byte
	err      error
}

func (m *mockPub) Publish(subj string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subj)
	m.data = append(m.data, data)
	return nil
}

func TestPublish(t *testing.T) {
	pub := &mockPub{}
	s := NewStore(pub, "gps.records")
	s.Put(store.Entry{Record: record.Record{DeviceID: "abc", Latitude: 1, Longitude: 2, Timestamp: 3}, Protocol: "udp", Received: time.Unix(10, 0).UTC()})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "gps.records.abc", pub.subjects[0])
	var got store.Entry
	require.NoError(t, json.Unmarshal(pub.data[0], &got))
	assert.Equal(t, "abc", got.Record.DeviceID)
	assert.Equal(t, "udp", got.Protocol)

	published, failed := s.Stat()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(0), failed)
	assert.NoError(t, s.Close())
}

func TestPublishError(t *testing.T) {
	s := NewStore(&mockPub{err: errors.New("nats: connection closed")}, "gps.records")
	s.Put(store.Entry{Record: record.Record{DeviceID: "abc"}})
	_, failed := s.Stat()
	assert.Equal(t, uint64(1), failed)
}
