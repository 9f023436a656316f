package reporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"
	"nuha.dev/gpsagent/internal/device"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/outcome"
	"nuha.dev/gpsagent/internal/position"
	"nuha.dev/gpsagent/internal/record"
	"nuha.dev/gpsagent/internal/stat"
	"nuha.dev/gpsagent/internal/transport"
)

const (
	UPDATES_STARTED  string = "updates_started"
	UPDATES_STOPPED  string = "updates_stopped"
	POSITION_CACHED  string = "position_cached"
	SEND_SKIPPED     string = "send_skipped"
	SCHEDULE_ADDED   string = "schedule_added"
	SCHEDULE_REMOVED string = "schedule_removed"
)

var (
	ErrNoPosition = outcome.Wrap(outcome.NoPositionAvailable, "send", "", errors.New("no position sample yet"))
	ErrClosed     = outcome.Wrap(outcome.TransportError, "send", "", errors.New("reporter closed"))
)

type Sender interface {
	Go(ctx context.Context, target transport.Target, payload []byte) <-chan outcome.Outcome
}

type Emitter interface {
	Emit(ctx context.Context, topic string, data interface{})
}

type nopEmitter struct{}

func (nopEmitter) Emit(ctx context.Context, topic string, data interface{}) {}

// Reporter owns the most recent position sample and turns send requests
// into independent transmissions of that sample.
type Reporter struct {
	source   *position.Source
	identity device.IdentityProvider
	codec    *record.Codec
	sender   Sender
	events   Emitter
	log      log.Logger

	current atomic.Pointer[position.Sample]
	last    atomic.Pointer[outcome.Outcome]
	stat    *stat.Stat

	mu       sync.Mutex
	stream   <-chan position.Sample
	consumed chan struct{}
	cron     *cron.Cron
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReporter(source *position.Source, identity device.IdentityProvider, sender Sender, emitter Emitter) *Reporter {
	r := &Reporter{source: source, identity: identity, sender: sender, events: emitter}
	if r.events == nil {
		r.events = nopEmitter{}
	}
	r.codec = record.NewCodec()
	r.stat = stat.NewStat()
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "reporter").Value()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	source.OnProviderChange(func(provider string, enabled bool) {
		r.events.Emit(r.ctx, events.ProviderChanged, events.ProviderChange{Provider: provider, Enabled: enabled})
	})
	return r
}

// Start begins location updates. Calling Start while updates are running
// leaves them running with their original parameters.
func (r *Reporter) Start(minInterval time.Duration, minDisplacement float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if minInterval <= 0 {
		minInterval = position.DefaultMinInterval
	}
	if minDisplacement < 0 {
		minDisplacement = position.DefaultMinDisplacement
	}
	ch, err := r.source.Start(minInterval, minDisplacement)
	if err != nil {
		return err
	}
	if ch == r.stream {
		return nil
	}
	r.stream = ch
	r.consumed = make(chan struct{})
	go r.consume(ch, r.consumed)
	r.log.Info().Str("event", UPDATES_STARTED).Dur("min_interval", minInterval).Float64("min_displacement", minDisplacement).Msg("")
	return nil
}

func (r *Reporter) consume(ch <-chan position.Sample, done chan struct{}) {
	defer close(done)
	for s := range ch {
		s := s
		r.current.Store(&s)
		r.log.Debug().Str("event", POSITION_CACHED).EmbedObject(&s).Msg("")
		r.events.Emit(r.ctx, events.PositionUpdated, s)
	}
}

// Stop ends location updates. The cached sample is kept so that sends keep
// working with the last known position.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stop()
}

func (r *Reporter) stop() {
	if r.stream == nil {
		return
	}
	r.source.Stop()
	<-r.consumed
	r.stream = nil
	r.log.Info().Str("event", UPDATES_STOPPED).Msg("")
}

func (r *Reporter) Active() bool {
	return r.source.Active()
}

func (r *Reporter) CurrentPosition() (position.Sample, bool) {
	p := r.current.Load()
	if p == nil {
		return position.Sample{}, false
	}
	return *p, true
}

// Send transmits the cached sample to target on its own goroutine and
// returns at once. The channel yields exactly one outcome. Without a cached
// sample the outcome is NoPositionAvailable and no socket is opened.
func (r *Reporter) Send(ctx context.Context, target transport.Target) <-chan outcome.Outcome {
	out := make(chan outcome.Outcome, 1)
	fail := func(err error) <-chan outcome.Outcome {
		res := outcome.Failed(outcome.NewID(), err)
		res.Protocol = target.Protocol.String()
		res.Addr = target.Addr()
		r.log.Warn().Str("event", SEND_SKIPPED).EmbedObject(&res).Msg("")
		r.completed(res)
		out <- res
		close(out)
		return out
	}

	p := r.current.Load()
	if p == nil {
		return fail(ErrNoPosition)
	}
	sample := *p
	meta, err := r.identity.Identity()
	if err != nil {
		return fail(outcome.Wrap(outcome.EncodingError, "identity", "", err))
	}
	payload, err := r.codec.Encode(sample, meta)
	if err != nil {
		return fail(err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fail(ErrClosed)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer stop()
		res := <-r.sender.Go(sctx, target, payload)
		r.completed(res)
		out <- res
		close(out)
	}()
	return out
}

func (r *Reporter) completed(res outcome.Outcome) {
	r.last.Store(&res)
	r.stat.SendEv(res.Success, time.Now())
	r.events.Emit(r.ctx, events.SendCompleted, res)
}

type Status struct {
	Active   bool             `json:"active"`
	Position *position.Sample `json:"position,omitempty"`
	Last     *outcome.Outcome `json:"last_outcome,omitempty"`
	Sends    stat.Snapshot    `json:"sends"`
}

func (r *Reporter) Status() Status {
	st := Status{Active: r.source.Active(), Sends: r.stat.Snapshot()}
	if p, ok := r.CurrentPosition(); ok {
		st.Position = &p
	}
	if o := r.last.Load(); o != nil {
		last := *o
		st.Last = &last
	}
	return st
}

// Schedule sends the cached sample to every target on each tick of spec, a
// cron expression or descriptor such as "@every 30s".
func (r *Reporter) Schedule(spec string, targets ...transport.Target) (cron.EntryID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if r.cron == nil {
		r.cron = cron.New()
		r.cron.Start()
	}
	ts := append([]transport.Target(nil), targets...)
	id, err := r.cron.AddFunc(spec, func() {
		for _, t := range ts {
			r.Send(r.ctx, t)
		}
	})
	if err != nil {
		return 0, err
	}
	r.log.Info().Str("event", SCHEDULE_ADDED).Str("spec", spec).Int("entry", int(id)).Int("targets", len(ts)).Msg("")
	return id, nil
}

func (r *Reporter) Unschedule(id cron.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	r.cron.Remove(id)
	r.log.Info().Str("event", SCHEDULE_REMOVED).Int("entry", int(id)).Msg("")
}

// Close stops updates and scheduled reporting, abandons in-flight sends and
// waits for them to release their sockets.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	c := r.cron
	r.mu.Unlock()

	// running jobs call Send, which takes r.mu
	if c != nil {
		<-c.Stop().Done()
	}
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
