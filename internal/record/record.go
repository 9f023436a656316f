package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"nuha.dev/gpsagent/internal/device"
	"nuha.dev/gpsagent/internal/outcome"
	"nuha.dev/gpsagent/internal/position"
)

const (
	TCPTag = "GPS_TCP_DATA:"
	UDPTag = "GPS_UDP_DATA:"
)

var ErrUnknownTag = errors.New("unknown record tag")

// Record is the transmitted form of a sample. Field order is the wire order.
// OSVersion keeps the android_version key that existing collectors parse.
type Record struct {
	DeviceID    string  `json:"device_id" validate:"required"`
	Latitude    float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude   float64 `json:"longitude" validate:"min=-180,max=180"`
	Timestamp   int64   `json:"timestamp" validate:"gt=0"`
	DeviceModel string  `json:"device_model"`
	OSVersion   string  `json:"android_version"`
	AppVersion  string  `json:"app_version" validate:"required"`
}

type Codec struct {
	vld *validator.Validate
}

func NewCodec() *Codec {
	return &Codec{vld: validator.New()}
}

// Build derives a record from s and m. The timestamp is the capture time of
// the sample, so the same inputs always give the same record.
func (c *Codec) Build(s position.Sample, m device.Metadata) (Record, error) {
	rec := Record{
		DeviceID:    m.DeviceID,
		Latitude:    s.Latitude,
		Longitude:   s.Longitude,
		Timestamp:   s.CapturedAt.UnixMilli(),
		DeviceModel: m.Model,
		OSVersion:   m.OSVersion,
		AppVersion:  m.AppVersion,
	}
	if rec.AppVersion == "" {
		rec.AppVersion = device.DefaultAppVersion
	}
	if s.CapturedAt.IsZero() {
		rec.Timestamp = 0
	}
	if err := c.vld.Struct(rec); err != nil {
		return Record{}, outcome.Wrap(outcome.EncodingError, "encode", "", err)
	}
	return rec, nil
}

// Encode returns the JSON object for s and m, or an EncodingError.
func (c *Codec) Encode(s position.Sample, m device.Metadata) ([]byte, error) {
	rec, err := c.Build(s, m)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, outcome.Wrap(outcome.EncodingError, "encode", "", err)
	}
	return b, nil
}

// Frame prefixes payload with tag.
func Frame(tag string, payload []byte) []byte {
	b := make([]byte, 0, len(tag)+len(payload)+1)
	b = append(b, tag...)
	return append(b, payload...)
}

// Decode parses one tagged message as produced by Frame, with or without a
// trailing line terminator.
func (c *Codec) Decode(msg []byte) (string, Record, error) {
	msg = bytes.TrimRight(msg, "\r\n")
	var tag string
	switch {
	case bytes.HasPrefix(msg, []byte(TCPTag)):
		tag = TCPTag
	case bytes.HasPrefix(msg, []byte(UDPTag)):
		tag = UDPTag
	default:
		return "", Record{}, ErrUnknownTag
	}
	var rec Record
	if err := json.Unmarshal(msg[len(tag):], &rec); err != nil {
		return tag, Record{}, fmt.Errorf("decoding record: %w", err)
	}
	if err := c.vld.Struct(rec); err != nil {
		return tag, Record{}, fmt.Errorf("invalid record: %w", err)
	}
	return tag, rec, nil
}
