// Package signal is the client side of the room signaling protocol.
package signal

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/com"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/network"
	"github.com/examwatch/proctor/pkg/network/websocket"
)

type State int32

const (
	Idle State = iota
	Connecting
	Open
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return "?"
}

const DefaultBackoff = time.Second

type Options struct {
	// URL is the coordinator address, http(s) or ws(s).
	URL   string
	Room  string
	User  string
	Role  api.Role
	Token string
	// Backoff is the base of the linear back-off between connection attempts.
	Backoff time.Duration
	Log     *logger.Logger
}

type Handler func(api.Message)

type Channel struct {
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Connection
	onClose func(error)

	handlers *com.Map[api.Type, Handler]
}

func New(opts Options) *Channel {
	if opts.Backoff == 0 {
		opts.Backoff = DefaultBackoff
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	return &Channel{
		opts:     opts,
		log:      log.Extend(log.With().Str(logger.RoomField, opts.Room).Str(logger.UserField, opts.User)),
		handlers: com.NewMap[api.Type, Handler](),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) User() string { return c.opts.User }

// Endpoint builds the room websocket address.
func (c *Channel) Endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %v", u.Scheme)
	}
	u.Path = path.Join("/", strings.TrimSuffix(u.Path, "/"), "ws", c.opts.Room)
	q := u.Query()
	q.Set("user", c.opts.User)
	q.Set("role", string(c.opts.Role))
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the coordinator making up to maxRetries attempts,
// each one bounded by timeout. After a failed attempt it waits base × attempt.
// On success exactly one join message is sent.
func (c *Channel) Connect(ctx context.Context, maxRetries int, timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return api.Fail(api.Transport, "connect", api.ErrClosed)
	case Open, Connecting:
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	address, err := c.Endpoint()
	if err != nil {
		c.setState(Disconnected)
		return api.Fail(api.Transport, "connect", err)
	}

	if maxRetries < 1 {
		maxRetries = 1
	}
	retry := network.NewRetry(c.opts.Backoff)
	var conn *websocket.Connection
	for attempt := 1; attempt <= maxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		conn, err = websocket.Dial(actx, address, nil, c.log)
		cancel()
		if err == nil {
			break
		}
		c.log.Warn().Err(err).Msgf("connect attempt %v/%v", attempt, maxRetries)
		if attempt == maxRetries {
			break
		}
		if werr := retry.Fail(ctx); werr != nil {
			err = werr
			break
		}
	}
	if conn == nil {
		c.setState(Disconnected)
		return api.Fail(api.Transport, "connect", err)
	}

	c.mu.Lock()
	if c.state == Closed {
		// closed while dialing
		c.mu.Unlock()
		conn.Close()
		return api.Fail(api.Transport, "connect", api.ErrClosed)
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	conn.OnMessage = c.dispatch
	conn.Listen()
	go c.watch(conn)

	c.Send(api.NewJoin(c.opts.User, c.opts.Role))
	c.log.Info().Msg("connected")
	return nil
}

func (c *Channel) watch(conn *websocket.Connection) {
	err := conn.Err()
	c.mu.Lock()
	if c.conn != conn || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.conn = nil
	onClose := c.onClose
	c.mu.Unlock()

	if err == nil {
		c.log.Info().Str(logger.DirectionField, "x").Msg("closed by the server")
		return
	}
	c.log.Warn().Str(logger.DirectionField, "x").Err(err).Msg("connection lost")
	if onClose != nil {
		onClose(err)
	}
}

func (c *Channel) dispatch(raw []byte) {
	m, err := api.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Bytes("raw", raw).Msg("discarded")
		return
	}
	c.log.Debug().Str(logger.DirectionField, "←").Str("t", string(m.Type)).Str("from", m.From).Msg("")
	if h, ok := c.handlers.Get(m.Type); ok {
		h(m)
	}
}

// Send writes the message if the channel is open, otherwise drops it.
// Returns whether the message was queued.
func (c *Channel) Send(m api.Message) bool {
	c.mu.Lock()
	conn, open := c.conn, c.state == Open
	c.mu.Unlock()
	if !open || conn == nil {
		c.log.Debug().Str("t", string(m.Type)).Msg("not open, dropped")
		return false
	}
	data, err := api.Encode(m)
	if err != nil {
		c.log.Error().Err(err).Msg("encode")
		return false
	}
	c.log.Debug().Str(logger.DirectionField, "→").Str("t", string(m.Type)).Str("to", m.To).Msg("")
	return conn.Write(data)
}

// On sets the handler of a message type, replacing the previous one.
func (c *Channel) On(t api.Type, h Handler) { c.handlers.Put(t, h) }

func (c *Channel) Off(t api.Type) { c.handlers.Delete(t) }

// OnClose is called when the connection is lost unexpectedly.
func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Close says goodbye to the room and closes the connection for good.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	conn, open := c.conn, c.state == Open
	c.mu.Unlock()

	if open && conn != nil {
		if data, err := api.Encode(api.NewLeave()); err == nil {
			conn.Write(data)
		}
	}

	c.mu.Lock()
	c.state = Closed
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.log.Info().Msg("closed")
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = s
	}
	c.mu.Unlock()
}
