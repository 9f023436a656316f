package collector

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/gpsagent/internal/record"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/transport"
)

const (
	NEW_CONNECTION  string = "new_connection"
	RECORD_ACCEPTED string = "record_accepted"
	RECORD_REJECTED string = "record_rejected"
	READ_ERROR      string = "read_error"
)

const (
	ReplyOK    = "OK"
	ReplyError = "ERROR"
)

const maxDatagram = 64 * 1024

type ServerConfig struct {
	TCPAddr       string
	UDPAddr       string
	ProxyProtocol bool
	ReadTimeout   time.Duration
}

// Server receives framed records over TCP (one line per connection) and UDP
// (one datagram each), acknowledges them and hands them to a store.
type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	store       store.Store
	rejecter    store.Rejecter
	codec       *record.Codec
	cid_counter uint64
	listener    net.Listener
	packet      *net.UDPConn
	wg          sync.WaitGroup
	closed      bool
	received    uint64
	rejected    uint64
}

// NewServer returns a server writing to st. When st also implements
// store.Rejecter, undecodable messages are passed to it.
func NewServer(st store.Store, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "collector").Value()
	s.config = config
	if s.config.ReadTimeout <= 0 {
		s.config.ReadTimeout = 10 * time.Second
	}
	s.store = st
	s.rejecter, _ = st.(store.Rejecter)
	s.codec = record.NewCodec()
	return s
}

// SetRejecter overrides where undecodable messages go.
func (s *Server) SetRejecter(r store.Rejecter) {
	s.rejecter = r
}

// Listen binds the configured addresses. An empty address disables that
// protocol.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			return err
		}
		if s.config.ProxyProtocol {
			s.listener = &proxyproto.Listener{Listener: ln}
		} else {
			s.listener = ln
		}
	}
	if s.config.UDPAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", s.config.UDPAddr)
		if err == nil {
			s.packet, err = net.ListenUDP("udp", addr)
		}
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return err
		}
	}
	return nil
}

func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packet == nil {
		return nil
	}
	return s.packet.LocalAddr()
}

// Run serves bound listeners until Close. It calls Listen first if needed.
func (s *Server) Run() error {
	s.mu.Lock()
	bound := s.listener != nil || s.packet != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			s.log.Error().Err(err).Msg("unable to listen")
			return err
		}
	}
	s.mu.Lock()
	ln, pc := s.listener, s.packet
	s.mu.Unlock()
	var wg sync.WaitGroup
	if ln != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runListener(ln)
		}()
	}
	if pc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runPacket(pc)
		}()
	}
	wg.Wait()
	s.wg.Wait()
	return nil
}

func (s *Server) runListener(ln net.Listener) {
	s.log.Info().Msgf("starting tcp collector on %s", ln.Addr())
	for {
		_c, err := ln.Accept()
		if err != nil {
			if !s.isClosed() {
				s.log.Error().Err(err).Msg("failed to accept new connection")
			}
			return
		}
		cid := atomic.AddUint64(&s.cid_counter, 1)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_c.Close()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.handle(_c, cid)
		}()
	}
}

func (s *Server) handle(_c net.Conn, cid uint64) {
	// bounds the PROXY header read done when the tuple is taken
	_ = _c.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	c := transport.NewConn(_c, strconv.FormatUint(cid, 10), s.log)
	defer c.Close()
	s.log.Debug().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")

	line, err := c.ReadLine()
	if err != nil && line == "" {
		s.log.Warn().Str("event", READ_ERROR).EmbedObject(c).Err(err).Msg("")
		return
	}
	reply := s.accept(transport.TCP.String(), c.RemoteAddr().String(), []byte(line))
	_ = c.SetWriteDeadline(time.Now().Add(s.config.ReadTimeout))
	_, _ = c.Write([]byte(reply + "\n"))
}

func (s *Server) runPacket(pc *net.UDPConn) {
	s.log.Info().Msgf("starting udp collector on %s", pc.LocalAddr())
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			if !s.isClosed() {
				s.log.Error().Err(err).Msg("failed to read datagram")
			}
			return
		}
		msg := append([]byte(nil), buf[:n]...)
		reply := s.accept(transport.UDP.String(), from.String(), msg)
		if _, err := pc.WriteToUDP([]byte(reply), from); err != nil {
			s.log.Warn().Err(err).Str("remote", from.String()).Msg("unable to reply")
		}
	}
}

func (s *Server) accept(protocol, remote string, msg []byte) string {
	now := time.Now().UTC()
	tag, rec, err := s.codec.Decode(msg)
	if err == nil && tag != expectedTag(protocol) {
		err = errWrongTag
	}
	if err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.log.Warn().Str("event", RECORD_REJECTED).Str("protocol", protocol).Str("remote", remote).Err(err).Msg("")
		if s.rejecter != nil {
			s.rejecter.Reject(protocol, remote, msg, err, now)
		}
		return ReplyError
	}
	atomic.AddUint64(&s.received, 1)
	e := store.Entry{Record: rec, Protocol: protocol, Remote: remote, Received: now}
	s.log.Debug().Str("event", RECORD_ACCEPTED).EmbedObject(&e).Msg("")
	s.store.Put(e)
	return ReplyOK
}

var errWrongTag = errors.New("record tag does not match transport")

func expectedTag(protocol string) string {
	if protocol == transport.UDP.String() {
		return record.UDPTag
	}
	return record.TCPTag
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) Stat() (received uint64, rejected uint64) {
	return atomic.LoadUint64(&s.received), atomic.LoadUint64(&s.rejected)
}

// Close stops accepting, waits for open connections and closes the store.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	if s.packet != nil {
		s.packet.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.store.Close()
}
