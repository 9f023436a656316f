package outcome

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/phuslu/log"
)

type Kind int

const (
	None Kind = iota
	PermissionDenied
	ProviderUnavailable
	NoPositionAvailable
	ConnectTimeout
	ConnectionRefused
	ResolutionError
	TransportError
	EncodingError
)

var kindNames = [...]string{
	None:                "none",
	PermissionDenied:    "permission_denied",
	ProviderUnavailable: "provider_unavailable",
	NoPositionAvailable: "no_position_available",
	ConnectTimeout:      "connect_timeout",
	ConnectionRefused:   "connection_refused",
	ResolutionError:     "resolution_error",
	TransportError:      "transport_error",
	EncodingError:       "encoding_error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return errors.New("unknown error kind " + string(b))
}

// Error is a failure tagged with its Kind. Op names the step that failed
// ("dial", "write", "resolve", "encode", ...), Addr the remote address if any.
type Error struct {
	Kind Kind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Addr == "" && t.Err == nil
}

// Sentinels usable with errors.Is, e.g. errors.Is(err, outcome.ErrConnectTimeout).
var (
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
	ErrProviderUnavailable = &Error{Kind: ProviderUnavailable}
	ErrNoPositionAvailable = &Error{Kind: NoPositionAvailable}
	ErrConnectTimeout      = &Error{Kind: ConnectTimeout}
	ErrConnectionRefused   = &Error{Kind: ConnectionRefused}
	ErrResolution          = &Error{Kind: ResolutionError}
	ErrTransport           = &Error{Kind: TransportError}
	ErrEncoding            = &Error{Kind: EncodingError}
)

func Wrap(kind Kind, op string, addr string, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// KindOf returns the Kind carried by err, TransportError for foreign errors
// and None for nil.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return TransportError
}

// Outcome is the result of exactly one send attempt.
type Outcome struct {
	ID        string        `json:"id"`
	Success   bool          `json:"success"`
	Kind      Kind          `json:"error_kind"`
	Err       error         `json:"-"`
	Message   string        `json:"message,omitempty"`
	Response  string        `json:"response,omitempty"`
	Protocol  string        `json:"protocol,omitempty"`
	Addr      string        `json:"addr,omitempty"`
	BytesSent int           `json:"bytes_sent"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

func NewID() string {
	return ulid.Make().String()
}

func Succeeded(id string, protocol string, addr string) Outcome {
	return Outcome{ID: id, Success: true, Kind: None, Protocol: protocol, Addr: addr}
}

func Failed(id string, err error) Outcome {
	o := Outcome{ID: id, Kind: KindOf(err), Err: err}
	if err != nil {
		o.Message = err.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		o.Addr = e.Addr
	}
	return o
}

func (o Outcome) HasResponse() bool {
	return o.Response != ""
}

func (o *Outcome) MarshalObject(e *log.Entry) {
	e.Str("send_id", o.ID).Bool("success", o.Success).Str("protocol", o.Protocol).Str("addr", o.Addr)
	if !o.Success {
		e.Str("error_kind", o.Kind.String()).Str("cause", o.Message)
	}
	if o.BytesSent != 0 {
		e.Int("bytes_sent", o.BytesSent)
	}
	e.Dur("elapsed", o.Elapsed)
}
