package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/outcome"
	"nuha.dev/gpsagent/internal/record"
)

const payload = `{"device_id":"abc","latitude":-6.2088,"longitude":106.8456,"timestamp":1710490716000,"device_model":"m","android_version":"13","app_version":"1.0"}`

func fastSender() *Sender {
	return NewSender(&SenderConfig{
		ConnectTimeout: 300 * time.Millisecond,
		ReadTimeout:    200 * time.Millisecond,
		UDPTimeout:     200 * time.Millisecond,
	})
}

// tcpCollector accepts connections, passes the first line of each to lines
// and lets reply decide what to do with the connection afterwards.
func tcpCollector(t *testing.T, reply func(c net.Conn)) (uint16, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	lines := make(chan string, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				lines <- line
				reply(c)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port), lines
}

func udpCollector(t *testing.T, reply []byte) (uint16, <-chan string) {
	t.Helper()
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	datagrams := make(chan string, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			datagrams <- string(buf[:n])
			if reply != nil {
				_, _ = pc.WriteToUDP(reply, from)
			}
		}
	}()
	return uint16(pc.LocalAddr().(*net.UDPAddr).Port), datagrams
}

func TestSendTCPWithAck(t *testing.T) {
	port, lines := tcpCollector(t, func(c net.Conn) {
		_, _ = c.Write([]byte("OK\n"))
	})
	res := fastSender().SendTCP(context.Background(), Target{Host: "127.0.0.1", Port: port, Protocol: TCP}, []byte(payload))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, outcome.None, res.Kind)
	assert.Equal(t, "OK", res.Response)
	assert.Equal(t, "tcp", res.Protocol)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, len(record.TCPTag)+len(payload)+1, res.BytesSent)
	assert.Equal(t, record.TCPTag+payload+"\n", <-lines)
}

func TestSendTCPNoReplyIsSuccess(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	port, lines := tcpCollector(t, func(c net.Conn) {
		<-hold
	})
	s := fastSender()
	res := s.SendTCP(context.Background(), Target{Host: "127.0.0.1", Port: port}, []byte(payload))

	assert.True(t, res.Success, res.Message)
	assert.False(t, res.HasResponse())
	assert.GreaterOrEqual(t, res.Elapsed, s.Config().ReadTimeout)
	assert.Equal(t, record.TCPTag+payload+"\n", <-lines)
}

func TestSendTCPPeerClosesIsSuccess(t *testing.T) {
	port, _ := tcpCollector(t, func(c net.Conn) {})
	res := fastSender().SendTCP(context.Background(), Target{Host: "127.0.0.1", Port: port}, []byte(payload))
	assert.True(t, res.Success, res.Message)
	assert.Empty(t, res.Response)
}

func TestSendTCPConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	s := NewSender(nil)
	res := s.SendTCP(context.Background(), Target{Host: "127.0.0.1", Port: port}, []byte(payload))
	assert.False(t, res.Success)
	assert.Equal(t, outcome.ConnectionRefused, res.Kind)
	assert.Less(t, res.Elapsed, s.Config().ConnectTimeout)
	assert.True(t, errors.Is(res.Err, outcome.ErrConnectionRefused))
}

type blackholeDialer struct{}

func (blackholeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
}

func TestSendTCPConnectTimeout(t *testing.T) {
	s := fastSender()
	s.Dialer = blackholeDialer{}
	res := s.SendTCP(context.Background(), Target{Host: "192.0.2.1", Port: 8080}, []byte(payload))

	assert.False(t, res.Success)
	assert.Equal(t, outcome.ConnectTimeout, res.Kind)
	assert.GreaterOrEqual(t, res.Elapsed, s.Config().ConnectTimeout)
	assert.Less(t, res.Elapsed, s.Config().ConnectTimeout+time.Second)
}

func TestSendTCPUnroutable(t *testing.T) {
	if testing.Short() {
		t.Skip("touches the network")
	}
	s := fastSender()
	res := s.SendTCP(context.Background(), Target{Host: "10.255.255.1", Port: 8080}, []byte(payload))
	if res.Kind != outcome.ConnectTimeout {
		t.Skipf("no blackholed route in this environment: %s", res.Message)
	}
	assert.GreaterOrEqual(t, res.Elapsed, s.Config().ConnectTimeout-20*time.Millisecond)
	assert.Less(t, res.Elapsed, s.Config().ConnectTimeout+time.Second)
}

type dnsFailDialer struct{}

func (dnsFailDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, _ := net.SplitHostPort(address)
	return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}}
}

func TestSendTCPResolutionError(t *testing.T) {
	s := fastSender()
	s.Dialer = dnsFailDialer{}
	res := s.SendTCP(context.Background(), Target{Host: "collector.invalid", Port: 8080}, []byte(payload))
	assert.Equal(t, outcome.ResolutionError, res.Kind)
	assert.Contains(t, res.Message, "no such host")
}

func TestSendTCPEmptyHost(t *testing.T) {
	res := fastSender().Send(context.Background(), Target{Host: " ", Port: 8080, Protocol: TCP}, []byte(payload))
	assert.Equal(t, outcome.ResolutionError, res.Kind)
}

func TestSendTCPCancelReleasesSocket(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	port, _ := tcpCollector(t, func(c net.Conn) {
		<-hold
	})
	s := NewSender(&SenderConfig{ReadTimeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Go(ctx, Target{Host: "127.0.0.1", Port: port}, []byte(payload))
	time.AfterFunc(100*time.Millisecond, cancel)

	select {
	case res := <-ch:
		assert.True(t, res.Success, "record was written before cancel")
		assert.Less(t, res.Elapsed, 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not abandon the send")
	}
}

func TestSendUDPWithReply(t *testing.T) {
	port, datagrams := udpCollector(t, []byte("ACK"))
	res := fastSender().SendUDP(context.Background(), Target{Host: "127.0.0.1", Port: port, Protocol: UDP}, []byte(payload))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "ACK", res.Response)
	assert.Equal(t, "udp", res.Protocol)
	assert.Equal(t, len(record.UDPTag)+len(payload), res.BytesSent)
	assert.Equal(t, record.UDPTag+payload, <-datagrams)
}

func TestSendUDPClosedPortIsSuccess(t *testing.T) {
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	pc.Close()

	s := fastSender()
	res := s.SendUDP(context.Background(), Target{Host: "127.0.0.1", Port: port, Protocol: UDP}, []byte(payload))
	assert.True(t, res.Success, res.Message)
	assert.False(t, res.HasResponse())
}

type fakeResolver struct {
	ips []netip.Addr
	err error
}

func (f fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f.ips, f.err
}

func TestSendUDPResolutionError(t *testing.T) {
	s := fastSender()
	s.Resolver = fakeResolver{err: &net.DNSError{Err: "no such host", Name: "collector.invalid", IsNotFound: true}}
	res := s.SendUDP(context.Background(), Target{Host: "collector.invalid", Port: 8081, Protocol: UDP}, []byte(payload))
	assert.False(t, res.Success)
	assert.Equal(t, outcome.ResolutionError, res.Kind)

	s.Resolver = fakeResolver{}
	res = s.SendUDP(context.Background(), Target{Host: "collector.invalid", Port: 8081, Protocol: UDP}, []byte(payload))
	assert.Equal(t, outcome.ResolutionError, res.Kind)
}

func TestSendUDPResolvesName(t *testing.T) {
	port, datagrams := udpCollector(t, []byte("ACK"))
	s := fastSender()
	s.Resolver = fakeResolver{ips: []netip.Addr{netip.MustParseAddr("::ffff:127.0.0.1")}}
	res := s.SendUDP(context.Background(), Target{Host: "collector.local", Port: port, Protocol: UDP}, []byte(payload))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "ACK", res.Response)
	assert.Equal(t, record.UDPTag+payload, <-datagrams)
}

func TestGoDeliversOnce(t *testing.T) {
	port, _ := udpCollector(t, []byte("ACK"))
	ch := fastSender().Go(context.Background(), Target{Host: "127.0.0.1", Port: port, Protocol: UDP}, []byte(payload))
	res, ok := <-ch
	require.True(t, ok)
	assert.True(t, res.Success)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestConcurrentTCPAndUDP(t *testing.T) {
	tcpPort, lines := tcpCollector(t, func(c net.Conn) {
		_, _ = c.Write([]byte("OK\n"))
	})
	udpPort, datagrams := udpCollector(t, []byte("ACK"))
	s := fastSender()

	var wg sync.WaitGroup
	const n = 8
	results := make(chan outcome.Outcome, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			results <- s.SendTCP(context.Background(), Target{Host: "127.0.0.1", Port: tcpPort}, []byte(payload))
		}()
		go func() {
			defer wg.Done()
			results <- s.SendUDP(context.Background(), Target{Host: "127.0.0.1", Port: udpPort, Protocol: UDP}, []byte(payload))
		}()
	}
	wg.Wait()
	close(results)
	ids := make(map[string]bool)
	for res := range results {
		assert.True(t, res.Success, res.Message)
		ids[res.ID] = true
	}
	assert.Len(t, ids, 2*n)
	for i := 0; i < n; i++ {
		assert.Equal(t, record.TCPTag+payload+"\n", <-lines)
		assert.Equal(t, record.UDPTag+payload, <-datagrams)
	}
}

func TestParsePortFallback(t *testing.T) {
	p, ok := ParsePort("9000", DefaultTCPPort)
	assert.Equal(t, uint16(9000), p)
	assert.True(t, ok)
	for _, bad := range []string{"", "abc", "70000", "-1", "0"} {
		p, ok := ParsePort(bad, DefaultUDPPort)
		assert.Equal(t, DefaultUDPPort, p, bad)
		assert.False(t, ok, bad)
	}
}

func TestProtocolText(t *testing.T) {
	p, err := ParseProtocol(" UDP ")
	require.NoError(t, err)
	assert.Equal(t, UDP, p)
	_, err = ParseProtocol("sctp")
	assert.Error(t, err)
	assert.Equal(t, "udp://collector:8081", Target{Host: "collector", Port: 8081, Protocol: UDP}.String())
	assert.True(t, strings.HasPrefix(Target{Host: "::1", Port: 1}.Addr(), "[::1]"))
}

func TestSendUDPIgnoresReplyFromOtherPeer(t *testing.T) {
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer pc.Close()
	stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stranger.Close()
	go func() {
		buf := make([]byte, 4096)
		_, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_, _ = stranger.WriteToUDP([]byte("SPOOF"), from)
		time.Sleep(20 * time.Millisecond)
		_, _ = pc.WriteToUDP([]byte("ACK"), from)
	}()

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	res := fastSender().SendUDP(context.Background(), Target{Host: "127.0.0.1", Port: port, Protocol: UDP}, []byte(payload))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "ACK", res.Response)
}
