package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/outcome"
)

type Protocol int

const (
	TCP Protocol = iota
	UDP
)

const (
	DefaultTCPPort uint16 = 8080
	DefaultUDPPort uint16 = 8081
)

var (
	errEmptyHost   = errors.New("empty host")
	errInvalidPort = errors.New("invalid port 0")
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "protocol(" + strconv.Itoa(int(p)) + ")"
	}
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DefaultPort is the collector port used when none, or a malformed one, is
// configured for p.
func (p Protocol) DefaultPort() uint16 {
	if p == UDP {
		return DefaultUDPPort
	}
	return DefaultTCPPort
}

type Target struct {
	Host     string   `json:"host"`
	Port     uint16   `json:"port"`
	Protocol Protocol `json:"protocol"`
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) String() string {
	return t.Protocol.String() + "://" + t.Addr()
}

func (t Target) validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return outcome.Wrap(outcome.ResolutionError, "resolve", t.Addr(), errEmptyHost)
	}
	if t.Port == 0 {
		return outcome.Wrap(outcome.TransportError, "dial", t.Addr(), errInvalidPort)
	}
	return nil
}

func (t *Target) MarshalObject(e *log.Entry) {
	e.Str("protocol", t.Protocol.String()).Str("host", t.Host).Int("port", int(t.Port))
}

// ParsePort parses a port number, falling back to def for empty, malformed
// or out-of-range input. The second result reports whether s was used.
func ParsePort(s string, def uint16) (uint16, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return def, false
	}
	return uint16(n), true
}
