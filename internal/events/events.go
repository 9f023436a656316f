package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const (
	PositionUpdated string = "position.updated"
	ProviderChanged string = "provider.changed"
	SendCompleted   string = "send.completed"
)

const (
	EMIT_FAILED   string = "emit_failed"
	SUBSCRIBED    string = "subscribed"
	UNSUBSCRIBED  string = "unsubscribed"
	EVENT_SKIPPED string = "event_skipped"
)

var Topics = []string{PositionUpdated, ProviderChanged, SendCompleted}

// monoton epoch, 2020-01-01T00:00:00Z in ms
const epoch uint64 = 1577836800000

type Event struct {
	ID    string      `json:"id"`
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

type ProviderChange struct {
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
}

type Bus struct {
	bus  *bus.Bus
	ids  monoton.Monoton
	log  log.Logger
	mu   sync.Mutex
	subs map[string]*Subscriber
}

func New() (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), 1, epoch)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(Topics...)
	o := &Bus{bus: b, ids: m, subs: make(map[string]*Subscriber)}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	o.bus.RegisterHandler("fanout", bus.Handler{Handle: o.fanout, Matcher: ".*"})
	return o, nil
}

// Emit publishes data on topic. Handlers run synchronously on the caller's
// goroutine; subscribers never block it.
func (b *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if err := b.bus.Emit(ctx, topic, data); err != nil {
		b.log.Error().Str("event", EMIT_FAILED).Str("topic", topic).Err(err).Msg("")
	}
}

// Handle registers f for every topic under key. Registering the same key
// again replaces the previous handler.
func (b *Bus) Handle(key string, f func(Event)) {
	b.bus.DeregisterHandler(key)
	b.bus.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			f(convert(e))
		},
		Matcher: ".*",
	})
}

func (b *Bus) Remove(key string) {
	b.bus.DeregisterHandler(key)
}

func (b *Bus) fanout(ctx context.Context, e bus.Event) {
	ev := convert(e)
	b.mu.Lock()
	for _, s := range b.subs {
		if !s.Push(ev) {
			b.log.Debug().Str("event", EVENT_SKIPPED).Str("subscriber", s.key).Str("topic", ev.Topic).Msg("")
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a subscriber receiving every event on a channel with
// room for buffer events. Events arriving while the channel is full are
// dropped and counted.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscriber{key: b.ids.Next(), ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s.key] = s
	n := len(b.subs)
	b.mu.Unlock()
	b.log.Debug().Str("event", SUBSCRIBED).Str("subscriber", s.key).Int("subscribers", n).Msg("")
	return s
}

func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s.key]
	delete(b.subs, s.key)
	b.mu.Unlock()
	if ok {
		pushed, skipped := s.Stat()
		b.log.Debug().Str("event", UNSUBSCRIBED).Str("subscriber", s.key).Uint64("pushed", pushed).Uint64("skipped", skipped).Msg("")
	}
}

func convert(e bus.Event) Event {
	return Event{ID: e.ID, Topic: e.Topic, Time: time.Now(), Data: e.Data}
}

type Subscriber struct {
	key     string
	ch      chan Event
	pushed  uint64
	skipped uint64
}

func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

func (s *Subscriber) Push(e Event) bool {
	select {
	case s.ch <- e:
		atomic.AddUint64(&s.pushed, 1)
		return true
	default:
		atomic.AddUint64(&s.skipped, 1)
		return false
	}
}

func (s *Subscriber) Stat() (pushed uint64, skipped uint64) {
	return atomic.LoadUint64(&s.pushed), atomic.LoadUint64(&s.skipped)
}
