// Package nmea provides a position.Provider backed by an NMEA 0183 stream:
// a serial device, a file, or a raw TCP feed such as gpsd's nmea port.
package nmea

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/position"
)

const knotToMs = 0.514444

// UERE used to turn HDOP into an accuracy radius in meters.
const rangeError = 5.0

type Opener func() (io.ReadCloser, error)

// Open returns an Opener for addr, either a filesystem path or tcp://host:port.
func Open(addr string) Opener {
	if strings.HasPrefix(addr, "tcp://") {
		hostport := strings.TrimPrefix(addr, "tcp://")
		return func() (io.ReadCloser, error) {
			return net.DialTimeout("tcp", hostport, 5*time.Second)
		}
	}
	return func() (io.ReadCloser, error) {
		return os.Open(addr)
	}
}

const (
	STREAM_ENDED  string = "stream_ended"
	STREAM_REOPEN string = "stream_reopen"
)

const DefaultRetry = 2 * time.Second

// Provider reads one stream per listener. When a stream ends the listener
// is told the provider is disabled and the stream is reopened every Retry
// until it succeeds or the listener is removed.
type Provider struct {
	mu        sync.Mutex
	name      string
	addr      string
	open      Opener
	checkPath bool
	Retry     time.Duration
	log       log.Logger
	readers   map[position.Listener]*feed
	wg        sync.WaitGroup
}

type feed struct {
	mu      sync.Mutex
	rc      io.Closer
	stop    chan struct{}
	stopped bool
}

// swap installs rc as the current stream unless the feed was removed.
func (f *feed) swap(rc io.Closer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.rc = rc
	return true
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.stop)
	f.rc.Close()
}

func (f *feed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func NewProvider(addr string, open Opener) *Provider {
	p := &Provider{name: "nmea", addr: addr, open: open, Retry: DefaultRetry}
	if open == nil {
		p.open = Open(addr)
		p.checkPath = !strings.HasPrefix(addr, "tcp://")
	}
	p.readers = make(map[position.Listener]*feed)
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "nmea").Str("addr", addr).Value()
	return p
}

func (p *Provider) Name() string {
	return p.name
}

// Enabled reports whether the device path exists. Network feeds are assumed
// enabled until a dial fails.
func (p *Provider) Enabled() bool {
	if !p.checkPath {
		return true
	}
	_, err := os.Stat(p.addr)
	return err == nil
}

func (p *Provider) registered(l position.Listener) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.readers[l]
	return ok
}

// RequestUpdates opens the stream for l. The first open is synchronous so
// an unreachable feed is reported to the caller.
func (p *Provider) RequestUpdates(minInterval time.Duration, minDisplacement float64, l position.Listener) error {
	if p.registered(l) {
		return nil
	}
	rc, err := p.open()
	if err != nil {
		return err
	}
	f := &feed{rc: rc, stop: make(chan struct{})}
	p.mu.Lock()
	if _, ok := p.readers[l]; ok {
		p.mu.Unlock()
		rc.Close()
		return nil
	}
	p.readers[l] = f
	p.wg.Add(1)
	p.mu.Unlock()

	gate := &position.Gate{MinInterval: minInterval, MinDisplacement: minDisplacement}
	go p.run(l, f, rc, gate)
	return nil
}

func (p *Provider) run(l position.Listener, f *feed, rc io.ReadCloser, gate *position.Gate) {
	defer p.wg.Done()
	for {
		err := Scan(rc, gate, l, p.log)
		rc.Close()
		if f.isStopped() {
			return
		}
		p.log.Warn().Str("event", STREAM_ENDED).Err(err).Msg("")
		l.OnProviderDisabled(p.name)

		rc = p.reopen(f)
		if rc == nil {
			return
		}
		if !f.swap(rc) {
			rc.Close()
			return
		}
		// samples from the new stream are not compared with the old one
		gate.Reset()
		p.log.Info().Str("event", STREAM_REOPEN).Msg("")
		l.OnProviderEnabled(p.name)
	}
}

// reopen retries the opener until it succeeds or f is stopped.
func (p *Provider) reopen(f *feed) io.ReadCloser {
	retry := p.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}
	t := time.NewTimer(retry)
	defer t.Stop()
	for {
		select {
		case <-f.stop:
			return nil
		case <-t.C:
		}
		rc, err := p.open()
		if err == nil {
			return rc
		}
		p.log.Debug().Err(err).Msg("unable to reopen nmea stream")
		t.Reset(retry)
	}
}

func (p *Provider) RemoveUpdates(l position.Listener) {
	p.mu.Lock()
	f, ok := p.readers[l]
	delete(p.readers, l)
	p.mu.Unlock()
	if ok {
		f.close()
	}
}

func (p *Provider) Wait() {
	p.wg.Wait()
}

// Scan reads sentences from r until EOF or a read error, assembling RMC and
// GGA sentences into samples and passing those allowed by gate to l.
func Scan(r io.Reader, gate *position.Gate, l position.Listener, logger log.Logger) error {
	sc := bufio.NewScanner(r)
	var asm assembler
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s, err := gonmea.Parse(line)
		if err != nil {
			logger.Debug().Err(err).Str("sentence", line).Msg("skipping unparsable sentence")
			continue
		}
		sample, ok := asm.feed(s)
		if !ok {
			continue
		}
		if gate != nil && !gate.Allow(sample) {
			continue
		}
		l.OnLocationChanged(sample)
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

type assembler struct {
	altitude float64
	accuracy float64
}

// feed returns a sample for every valid RMC sentence, enriched with the most
// recent GGA altitude and accuracy.
func (a *assembler) feed(s gonmea.Sentence) (position.Sample, bool) {
	switch m := s.(type) {
	case gonmea.GGA:
		if m.FixQuality == gonmea.Invalid {
			a.altitude = 0
			a.accuracy = 0
			return position.Sample{}, false
		}
		a.altitude = m.Altitude
		a.accuracy = m.HDOP * rangeError
	case gonmea.RMC:
		if m.Validity != gonmea.ValidRMC {
			return position.Sample{}, false
		}
		return position.Sample{
			Latitude:   m.Latitude,
			Longitude:  m.Longitude,
			Speed:      m.Speed * knotToMs,
			Altitude:   a.altitude,
			Accuracy:   a.accuracy,
			CapturedAt: fixTime(m.Date, m.Time),
			Provider:   "nmea",
		}, true
	}
	return position.Sample{}, false
}

func fixTime(d gonmea.Date, t gonmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return time.Now().UTC()
	}
	year := 2000 + d.YY
	if d.YY >= 80 {
		year = 1900 + d.YY
	}
	return time.Date(year, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
