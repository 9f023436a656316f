package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/outcome"
	"nuha.dev/gpsagent/internal/record"
)

const (
	SEND_OK       string = "send_ok"
	SEND_FAILED   string = "send_failed"
	NO_RESPONSE   string = "no_response"
	RESPONSE_READ string = "response_read"
	REPLY_IGNORED string = "reply_ignored"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 2 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultUDPTimeout     = 5 * time.Second
	MaxReplySize          = 1024
)

var errNoAddress = errors.New("no address for host")

type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type SenderConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	UDPTimeout     time.Duration
}

func (c *SenderConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.UDPTimeout <= 0 {
		c.UDPTimeout = DefaultUDPTimeout
	}
}

// Sender transmits one encoded record per call. It holds no per-send state,
// so concurrent sends are independent and each owns its socket.
type Sender struct {
	config   SenderConfig
	log      log.Logger
	Dialer   ContextDialer
	Resolver Resolver
}

func NewSender(config *SenderConfig) *Sender {
	s := &Sender{}
	if config != nil {
		s.config = *config
	}
	s.config.applyDefaults()
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sender").Value()
	s.Dialer = &net.Dialer{}
	s.Resolver = net.DefaultResolver
	return s
}

func (s *Sender) Config() SenderConfig {
	return s.config
}

// Send dispatches on target.Protocol.
func (s *Sender) Send(ctx context.Context, target Target, payload []byte) outcome.Outcome {
	switch target.Protocol {
	case TCP:
		return s.SendTCP(ctx, target, payload)
	case UDP:
		return s.SendUDP(ctx, target, payload)
	}
	res := outcome.Failed(outcome.NewID(), outcome.Wrap(outcome.TransportError, "send", target.Addr(), errors.New("unsupported "+target.Protocol.String())))
	s.logOutcome(&res)
	return res
}

// Go runs Send on its own goroutine. The returned channel yields exactly one
// outcome and is then closed. Cancelling ctx abandons the send and releases
// its socket.
func (s *Sender) Go(ctx context.Context, target Target, payload []byte) <-chan outcome.Outcome {
	ch := make(chan outcome.Outcome, 1)
	go func() {
		ch <- s.Send(ctx, target, payload)
		close(ch)
	}()
	return ch
}

func (s *Sender) SendTCP(ctx context.Context, target Target, payload []byte) outcome.Outcome {
	t0 := time.Now()
	res := s.sendTCP(ctx, outcome.NewID(), target, payload)
	res.Protocol = TCP.String()
	res.Addr = target.Addr()
	res.Elapsed = time.Since(t0)
	s.logOutcome(&res)
	return res
}

func (s *Sender) sendTCP(ctx context.Context, id string, target Target, payload []byte) outcome.Outcome {
	addr := target.Addr()
	if err := target.validate(); err != nil {
		return outcome.Failed(id, err)
	}
	dctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	c, err := s.Dialer.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return outcome.Failed(id, classifyDial(ctx, addr, err))
	}
	conn := NewConn(c, id, s.log)
	defer conn.Close()
	stop := context.AfterFunc(ctx, conn.Close)
	defer stop()

	msg := append(record.Frame(record.TCPTag, payload), '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	w := bufio.NewWriterSize(conn, len(msg))
	_, err = w.Write(msg)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return outcome.Failed(id, outcome.Wrap(outcome.TransportError, "write", addr, err))
	}
	_, sent := conn.Stat()
	res := outcome.Succeeded(id, TCP.String(), addr)
	res.BytesSent = int(sent)

	_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	line, err := conn.ReadLine()
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		s.log.Warn().Str("event", NO_RESPONSE).EmbedObject(conn).Err(err).Msg("no tcp response or timeout")
		return res
	}
	res.Response = line
	s.log.Debug().Str("event", RESPONSE_READ).EmbedObject(conn).Str("response", line).Msg("")
	return res
}

func (s *Sender) SendUDP(ctx context.Context, target Target, payload []byte) outcome.Outcome {
	t0 := time.Now()
	res := s.sendUDP(ctx, outcome.NewID(), target, payload)
	res.Protocol = UDP.String()
	res.Addr = target.Addr()
	res.Elapsed = time.Since(t0)
	s.logOutcome(&res)
	return res
}

func (s *Sender) sendUDP(ctx context.Context, id string, target Target, payload []byte) outcome.Outcome {
	addr := target.Addr()
	if err := target.validate(); err != nil {
		return outcome.Failed(id, err)
	}
	ip, err := s.resolve(ctx, target.Host)
	if err != nil {
		if ctx.Err() != nil {
			return outcome.Failed(id, outcome.Wrap(outcome.TransportError, "resolve", addr, ctx.Err()))
		}
		return outcome.Failed(id, outcome.Wrap(outcome.ResolutionError, "resolve", addr, err))
	}
	network := "udp4"
	if ip.Is6() {
		network = "udp6"
	}
	pc, err := net.ListenUDP(network, nil)
	if err != nil {
		return outcome.Failed(id, outcome.Wrap(outcome.TransportError, "socket", addr, err))
	}
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	msg := record.Frame(record.UDPTag, payload)
	n, err := pc.WriteToUDPAddrPort(msg, netip.AddrPortFrom(ip, target.Port))
	if err != nil {
		return outcome.Failed(id, outcome.Wrap(outcome.TransportError, "write", addr, err))
	}
	res := outcome.Succeeded(id, UDP.String(), addr)
	res.BytesSent = n

	// only the target may answer, datagrams from other peers are dropped
	_ = pc.SetReadDeadline(time.Now().Add(s.config.UDPTimeout))
	buf := make([]byte, MaxReplySize)
	var from netip.AddrPort
	for {
		n, from, err = pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.log.Warn().Str("event", NO_RESPONSE).Str("send_id", id).Str("addr", addr).Err(err).Msg("no udp response or timeout")
			return res
		}
		if from.Addr().Unmap() == ip && from.Port() == target.Port {
			break
		}
		s.log.Debug().Str("event", REPLY_IGNORED).Str("send_id", id).Str("from", from.String()).Msg("")
	}
	res.Response = string(buf[:n])
	s.log.Debug().Str("event", RESPONSE_READ).Str("send_id", id).Str("from", from.String()).Str("response", res.Response).Msg("")
	return res
}

func (s *Sender) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.config.UDPTimeout)
	defer cancel()
	ips, err := s.Resolver.LookupNetIP(rctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, errNoAddress
	}
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), nil
		}
	}
	return ips[0], nil
}

func classifyDial(ctx context.Context, addr string, err error) error {
	if ctx.Err() == context.Canceled {
		return outcome.Wrap(outcome.TransportError, "dial", addr, ctx.Err())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return outcome.Wrap(outcome.ResolutionError, "resolve", addr, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return outcome.Wrap(outcome.ConnectionRefused, "dial", addr, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return outcome.Wrap(outcome.ConnectTimeout, "dial", addr, err)
	}
	return outcome.Wrap(outcome.TransportError, "dial", addr, err)
}

func (s *Sender) logOutcome(res *outcome.Outcome) {
	if res.Success {
		s.log.Info().Str("event", SEND_OK).EmbedObject(res).Msg("")
	} else {
		s.log.Error().Str("event", SEND_FAILED).EmbedObject(res).Msg("")
	}
}
