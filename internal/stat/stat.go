package stat

import (
	"sync"
	"time"
)

type counter struct {
	Base    time.Time `json:"minute"`
	Success uint64    `json:"success"`
	Failure uint64    `json:"failure"`
}

type time_event struct {
	list [10]time.Time
	idx  int
	n    int
	mu   sync.Mutex
}

// Stat keeps per-minute send counters for the last hour and the times of
// the last ten successes and failures.
type Stat struct {
	success time_event
	failure time_event
	mu      sync.Mutex
	buf     [60]counter
	phead   int
	dur     time.Duration
	sent    uint64
	failed  uint64

	created time.Time
}

type Snapshot struct {
	Sent        uint64      `json:"sent"`
	Failed      uint64      `json:"failed"`
	LastSuccess []time.Time `json:"last_success"`
	LastFailure []time.Time `json:"last_failure"`
	PerMinute   []counter   `json:"per_minute"`
	Uptime      string      `json:"uptime"`
}

func NewStat() *Stat {
	o := &Stat{}
	o.dur = time.Minute
	o.created = time.Now()
	return o
}

func (s *Stat) SendEv(ok bool, t time.Time) {
	if ok {
		record(&s.success, t)
	} else {
		record(&s.failure, t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.sent++
	} else {
		s.failed++
	}
	f := t.Truncate(s.dur)
	last := &s.buf[s.phead]
	if f.After(last.Base) {
		if !last.Base.IsZero() {
			s.phead = (s.phead + 1) % len(s.buf)
			last = &s.buf[s.phead]
		}
		*last = counter{Base: f}
	} else if f.Before(last.Base) {
		// late event for an older minute, only the totals count it
		return
	}
	if ok {
		last.Success++
	} else {
		last.Failure++
	}
}

func record(l *time_event, t time.Time) {
	l.mu.Lock()
	l.list[l.idx] = t
	l.idx = (l.idx + 1) % len(l.list)
	if l.n < len(l.list) {
		l.n++
	}
	l.mu.Unlock()
}

// recent returns recorded times, newest first.
func (l *time_event) recent() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, 0, l.n)
	for i := 1; i <= l.n; i++ {
		out = append(out, l.list[(l.idx-i+len(l.list))%len(l.list)])
	}
	return out
}

// Snapshot copies the current counters. PerMinute is oldest first.
func (s *Stat) Snapshot() Snapshot {
	snap := Snapshot{LastSuccess: s.success.recent(), LastFailure: s.failure.recent()}
	s.mu.Lock()
	snap.Sent, snap.Failed = s.sent, s.failed
	for i := 1; i <= len(s.buf); i++ {
		c := s.buf[(s.phead+i)%len(s.buf)]
		if !c.Base.IsZero() {
			snap.PerMinute = append(snap.PerMinute, c)
		}
	}
	s.mu.Unlock()
	snap.Uptime = time.Since(s.created).Round(time.Second).String()
	return snap
}
