package position

import (
	"errors"
	"math"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/outcome"
)

const (
	DefaultMinInterval     = 2 * time.Second
	DefaultMinDisplacement = 5.0
)

var (
	ErrPermissionDenied    = outcome.Wrap(outcome.PermissionDenied, "start", "", errors.New("location permission not granted"))
	ErrProviderUnavailable = outcome.Wrap(outcome.ProviderUnavailable, "start", "", errors.New("location provider disabled"))
)

// Sample is one reading from a provider. Accuracy, Altitude are meters,
// Speed is m/s.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`
	CapturedAt time.Time `json:"captured_at"`
	Provider   string    `json:"provider,omitempty"`
}

// IsFix reports whether s holds a usable coordinate. 0,0 is what an
// unpopulated provider reports and is treated as no fix.
func (s Sample) IsFix() bool {
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) || math.IsInf(s.Latitude, 0) || math.IsInf(s.Longitude, 0) {
		return false
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return false
	}
	return s.Latitude != 0 || s.Longitude != 0
}

func (s *Sample) MarshalObject(e *log.Entry) {
	e.Float64("lat", s.Latitude).Float64("lon", s.Longitude).Float64("accuracy", s.Accuracy).Float64("alt", s.Altitude).Float64("speed", s.Speed).Time("captured_at", s.CapturedAt)
}

const earthRadius = 6371008.8

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b Sample) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Gate drops samples that arrive sooner than MinInterval or closer than
// MinDisplacement meters to the last sample it let through.
type Gate struct {
	MinInterval     time.Duration
	MinDisplacement float64
	last            *Sample
}

func (g *Gate) Allow(s Sample) bool {
	if g.last == nil {
		g.last = &s
		return true
	}
	if s.CapturedAt.Sub(g.last.CapturedAt) < g.MinInterval {
		return false
	}
	if g.MinDisplacement > 0 && Distance(*g.last, s) < g.MinDisplacement {
		return false
	}
	g.last = &s
	return true
}

func (g *Gate) Reset() {
	g.last = nil
}
