package transport

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Conn wraps a stream connection with a buffered reader and byte
// counters. Close is safe to call more than once and from any goroutine.
type Conn struct {
	reader   *bufio.Reader
	conn     net.Conn
	closed   uint32
	id       string
	tuple    []string
	created  time.Time
	byte_in  uint64
	byte_out uint64
	log      log.Logger
}

func NewConn(conn net.Conn, id string, logger log.Logger) *Conn {
	localip, localport, _ := net.SplitHostPort(conn.LocalAddr().String())
	remoteip, remoteport, _ := net.SplitHostPort(conn.RemoteAddr().String())
	o := &Conn{reader: bufio.NewReader(conn), conn: conn, id: id}
	o.tuple = []string{localip, localport, remoteip, remoteport}
	o.created = time.Now()
	o.log = logger
	o.log.Debug().EmbedObject(o).Msg("connection created")
	return o
}

func (c *Conn) ReadLine() (string, error) {
	d, err := c.reader.ReadString('\n')
	atomic.AddUint64(&c.byte_in, uint64(len(d)))
	return d, err
}

func (c *Conn) Write(d []byte) (int, error) {
	n, err := c.conn.Write(d)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *Conn) Close() {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	c.conn.Close()
	in, out := c.Stat()
	c.log.Debug().EmbedObject(c).Uint64("byte_in", in).Uint64("byte_out", out).Dur("lifetime", time.Since(c.created)).Msg("connection closed")
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Str("cid", c.id).Strs("socket", c.tuple)
}
