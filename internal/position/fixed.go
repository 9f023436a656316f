package position

import (
	"errors"
	"sync"
	"time"
)

// FixedProvider reports the same coordinate on every tick. Used for
// simulation and tests.
type FixedProvider struct {
	mu      sync.Mutex
	sample  Sample
	enabled bool
	every   time.Duration
	stop    map[Listener]chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewFixedProvider(lat, lon float64, every time.Duration) *FixedProvider {
	return &FixedProvider{
		sample:  Sample{Latitude: lat, Longitude: lon, Accuracy: 1},
		enabled: true,
		every:   every,
		stop:    make(map[Listener]chan struct{}),
		now:     time.Now,
	}
}

func (p *FixedProvider) Name() string {
	return "fixed"
}

func (p *FixedProvider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetEnabled toggles the provider and notifies registered listeners.
func (p *FixedProvider) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	listeners := make([]Listener, 0, len(p.stop))
	for l := range p.stop {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()
	for _, l := range listeners {
		if enabled {
			l.OnProviderEnabled(p.Name())
		} else {
			l.OnProviderDisabled(p.Name())
		}
	}
}

func (p *FixedProvider) Move(lat, lon float64) {
	p.mu.Lock()
	p.sample.Latitude = lat
	p.sample.Longitude = lon
	p.mu.Unlock()
}

func (p *FixedProvider) RequestUpdates(minInterval time.Duration, minDisplacement float64, l Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return errors.New("fixed provider disabled")
	}
	if _, ok := p.stop[l]; ok {
		return nil
	}
	every := p.every
	if every < minInterval {
		every = minInterval
	}
	if every <= 0 {
		every = DefaultMinInterval
	}
	stop := make(chan struct{})
	p.stop[l] = stop
	p.wg.Add(1)
	go p.run(l, every, stop)
	return nil
}

func (p *FixedProvider) RemoveUpdates(l Listener) {
	p.mu.Lock()
	stop, ok := p.stop[l]
	delete(p.stop, l)
	p.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Wait blocks until every update loop has exited.
func (p *FixedProvider) Wait() {
	p.wg.Wait()
}

func (p *FixedProvider) current() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sample
	s.CapturedAt = p.now().UTC()
	s.Provider = p.Name()
	return s, p.enabled
}

func (p *FixedProvider) run(l Listener, every time.Duration, stop chan struct{}) {
	defer p.wg.Done()
	if s, ok := p.current(); ok {
		l.OnLocationChanged(s)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s, ok := p.current(); ok {
				l.OnLocationChanged(s)
			}
		}
	}
}
