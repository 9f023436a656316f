package position

import (
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/outcome"
)

const (
	SOURCE_STARTED    string = "source_started"
	SOURCE_STOPPED    string = "source_stopped"
	PROVIDER_ENABLED  string = "provider_enabled"
	PROVIDER_DISABLED string = "provider_disabled"
)

// Provider is the platform side of location updates. Implementations call
// back into the Listener from their own goroutine.
type Provider interface {
	Name() string
	Enabled() bool
	RequestUpdates(minInterval time.Duration, minDisplacement float64, l Listener) error
	RemoveUpdates(l Listener)
}

type Listener interface {
	OnLocationChanged(s Sample)
	OnProviderEnabled(provider string)
	OnProviderDisabled(provider string)
}

// Authority reports the current location permission grant.
type Authority interface {
	Granted() (fine bool, coarse bool)
}

type AuthorityFunc func() (bool, bool)

func (f AuthorityFunc) Granted() (bool, bool) {
	return f()
}

var AllowAll Authority = AuthorityFunc(func() (bool, bool) { return true, true })

// Source adapts a Provider into a lossy stream: the channel returned by
// Start holds at most one sample and a newer sample replaces an undelivered
// older one.
type Source struct {
	mu        sync.Mutex
	provider  Provider
	authority Authority
	log       log.Logger
	out       chan Sample
	active    bool
	stopping  chan struct{}
	onChange  func(provider string, enabled bool)
}

func NewSource(provider Provider, authority Authority) *Source {
	if authority == nil {
		authority = AllowAll
	}
	s := &Source{provider: provider, authority: authority}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "position").Str("provider", provider.Name()).Value()
	return s
}

// OnProviderChange registers f to be called on provider enable/disable
// notifications. It must be set before Start.
func (s *Source) OnProviderChange(f func(provider string, enabled bool)) {
	s.mu.Lock()
	s.onChange = f
	s.mu.Unlock()
}

// Start requests updates and returns the stream. A Start racing a Stop
// waits for that Stop to finish and then opens a new stream.
func (s *Source) Start(minInterval time.Duration, minDisplacement float64) (<-chan Sample, error) {
	s.mu.Lock()
	for s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.active {
		return s.out, nil
	}
	fine, coarse := s.authority.Granted()
	if !fine || !coarse {
		s.log.Error().Bool("fine", fine).Bool("coarse", coarse).Err(ErrPermissionDenied).Msg("unable to start location updates")
		return nil, ErrPermissionDenied
	}
	if !s.provider.Enabled() {
		s.log.Error().Err(ErrProviderUnavailable).Msg("unable to start location updates")
		return nil, ErrProviderUnavailable
	}
	s.out = make(chan Sample, 1)
	s.active = true
	err := s.provider.RequestUpdates(minInterval, minDisplacement, s)
	if err != nil {
		s.active = false
		close(s.out)
		s.log.Error().Err(err).Msg("provider rejected update request")
		return nil, outcome.Wrap(outcome.ProviderUnavailable, "request_updates", "", err)
	}
	s.log.Info().Str("event", SOURCE_STARTED).Dur("min_interval", minInterval).Float64("min_displacement", minDisplacement).Msg("")
	return s.out, nil
}

// Stop cancels the stream and closes its channel. Calling Stop on a stopped
// Source does nothing.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	out := s.out
	done := make(chan struct{})
	s.stopping = done
	s.mu.Unlock()

	// RemoveUpdates may wait for an in-flight callback that needs s.mu.
	s.provider.RemoveUpdates(s)

	s.mu.Lock()
	close(out)
	s.stopping = nil
	s.mu.Unlock()
	close(done)
	s.log.Info().Str("event", SOURCE_STOPPED).Msg("")
}

func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Source) OnLocationChanged(sample Sample) {
	if !sample.IsFix() {
		s.log.Debug().EmbedObject(&sample).Msg("dropping sample without fix")
		return
	}
	if sample.Provider == "" {
		sample.Provider = s.provider.Name()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case <-s.out:
	default:
	}
	s.out <- sample
	s.log.Trace().EmbedObject(&sample).Msg("location changed")
}

func (s *Source) OnProviderEnabled(provider string) {
	s.log.Info().Str("event", PROVIDER_ENABLED).Msg("")
	s.notify(provider, true)
}

func (s *Source) OnProviderDisabled(provider string) {
	s.log.Warn().Str("event", PROVIDER_DISABLED).Msg("")
	s.notify(provider, false)
}

func (s *Source) notify(provider string, enabled bool) {
	s.mu.Lock()
	f := s.onChange
	s.mu.Unlock()
	if f != nil {
		f(provider, enabled)
	}
}
