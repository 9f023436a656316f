package position

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/outcome"
)

type mockProvider struct {
	mu        sync.Mutex
	enabled   bool
	reqErr    error
	listener  Listener
	requested int
	removed   int
}

func (m *mockProvider) Name() string {
	return "mock"
}

func (m *mockProvider) Enabled() bool {
	return m.enabled
}

func (m *mockProvider) RequestUpdates(minInterval time.Duration, minDisplacement float64, l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested++
	if m.reqErr != nil {
		return m.reqErr
	}
	m.listener = l
	return nil
}

func (m *mockProvider) RemoveUpdates(l Listener) {
	m.mu.Lock()
	m.removed++
	m.listener = nil
	m.mu.Unlock()
}

func (m *mockProvider) push(s Sample) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l != nil {
		l.OnLocationChanged(s)
	}
}

func sample(lat, lon float64) Sample {
	return Sample{Latitude: lat, Longitude: lon, CapturedAt: time.Now()}
}

func TestStartPermissionDenied(t *testing.T) {
	p := &mockProvider{enabled: true}
	src := NewSource(p, AuthorityFunc(func() (bool, bool) { return true, false }))
	ch, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	assert.Nil(t, ch)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, outcome.PermissionDenied, outcome.KindOf(err))
	assert.Equal(t, 0, p.requested)
}

func TestStartProviderDisabled(t *testing.T) {
	p := &mockProvider{enabled: false}
	src := NewSource(p, nil)
	_, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	assert.Equal(t, outcome.ProviderUnavailable, outcome.KindOf(err))
	assert.False(t, src.Active())
}

func TestStartProviderRejects(t *testing.T) {
	p := &mockProvider{enabled: true, reqErr: errors.New("no gps hardware")}
	src := NewSource(p, nil)
	_, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	require.Error(t, err)
	assert.Equal(t, outcome.ProviderUnavailable, outcome.KindOf(err))
	assert.Contains(t, err.Error(), "no gps hardware")
}

func TestStopIdempotent(t *testing.T) {
	p := &mockProvider{enabled: true}
	src := NewSource(p, nil)
	ch, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	require.NoError(t, err)

	src.Stop()
	src.Stop()
	assert.Equal(t, 1, p.removed)

	_, open := <-ch
	assert.False(t, open)
}

func TestStopBeforeStart(t *testing.T) {
	p := &mockProvider{enabled: true}
	src := NewSource(p, nil)
	src.Stop()
	assert.Equal(t, 0, p.removed)
}

func TestLatestSampleWins(t *testing.T) {
	p := &mockProvider{enabled: true}
	src := NewSource(p, nil)
	ch, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	require.NoError(t, err)
	defer src.Stop()

	p.push(sample(1, 1))
	p.push(sample(2, 2))
	p.push(sample(3, 3))

	got := <-ch
	assert.Equal(t, 3.0, got.Latitude)
	assert.Equal(t, "mock", got.Provider)
	select {
	case s := <-ch:
		t.Fatalf("unexpected buffered sample %+v", s)
	default:
	}
}

func TestSampleWithoutFixDropped(t *testing.T) {
	p := &mockProvider{enabled: true}
	src := NewSource(p, nil)
	ch, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	require.NoError(t, err)
	defer src.Stop()

	p.push(sample(0, 0))
	p.push(sample(95, 10))
	select {
	case s := <-ch:
		t.Fatalf("sample without fix delivered: %+v", s)
	default:
	}
}

func TestSecondStartReturnsSameStream(t *testing.T) {
	p := &mockProvider{enabled: true}
	src := NewSource(p, nil)
	ch1, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	require.NoError(t, err)
	ch2, err := src.Start(DefaultMinInterval, DefaultMinDisplacement)
	require.NoError(t, err)
	assert.Equal(t, ch1, ch2)
	assert.Equal(t, 1, p.requested)
	src.Stop()
}

func TestProviderChangeNotified(t *testing.T) {
	fp := NewFixedProvider(-6.2, 106.8, time.Hour)
	src := NewSource(fp, nil)
	var got []bool
	src.OnProviderChange(func(name string, enabled bool) {
		got = append(got, enabled)
	})
	_, err := src.Start(time.Hour, 0)
	require.NoError(t, err)
	fp.SetEnabled(false)
	fp.SetEnabled(true)
	src.Stop()
	fp.Wait()
	assert.Equal(t, []bool{false, true}, got)
}

func TestFixedProviderDelivers(t *testing.T) {
	fp := NewFixedProvider(-6.2, 106.8, 10*time.Millisecond)
	src := NewSource(fp, nil)
	ch, err := src.Start(0, 0)
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.Equal(t, -6.2, s.Latitude)
		assert.Equal(t, 106.8, s.Longitude)
		assert.False(t, s.CapturedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no sample from fixed provider")
	}
	src.Stop()
	fp.Wait()
}

type slowRemoveProvider struct {
	mockProvider
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (p *slowRemoveProvider) RemoveUpdates(l Listener) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	p.mockProvider.RemoveUpdates(l)
}

func TestStartDuringStopOpensNewStream(t *testing.T) {
	p := &slowRemoveProvider{mockProvider: mockProvider{enabled: true}, entered: make(chan struct{}), release: make(chan struct{})}
	src := NewSource(p, nil)
	first, err := src.Start(0, 0)
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		src.Stop()
		close(stopped)
	}()
	<-p.entered

	started := make(chan (<-chan Sample))
	go func() {
		ch, err := src.Start(0, 0)
		assert.NoError(t, err)
		started <- ch
	}()
	select {
	case <-started:
		t.Fatal("start returned while stop was still removing updates")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	<-stopped
	second := <-started
	require.NotNil(t, second)
	assert.True(t, src.Active())

	_, ok := <-first
	assert.False(t, ok, "first stream closed by stop")

	assert.NotPanics(t, func() { p.push(sample(1, 2)) })
	select {
	case s, ok := <-second:
		require.True(t, ok)
		assert.Equal(t, 1.0, s.Latitude)
	case <-time.After(time.Second):
		t.Fatal("no sample on restarted stream")
	}
	src.Stop()
}
