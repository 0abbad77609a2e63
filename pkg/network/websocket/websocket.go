// Package websocket wraps gorilla websockets into a connection with
// a reader and a writer pump.
// All writes go through one goroutine so messages of one sender keep their order.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/com"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	closeWait      = 2 * time.Second
	sendBuffer     = 64
)

// ErrUnexpectedClose marks a connection that was lost without the close handshake.
var ErrUnexpectedClose = errors.New("unexpected close")

type Connection struct {
	id   com.Uid
	sock *websocket.Conn
	send chan []byte

	OnMessage MessageHandler

	pingPong bool
	log      *logger.Logger

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	err      error
	shutdown sync.WaitGroup
}

type MessageHandler func(message []byte)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade makes a server side connection with keep-alive pings.
func Upgrade(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

// Dial opens a client connection, ctx bounds only the handshake.
func Dial(ctx context.Context, address string, header http.Header, log *logger.Logger) (*Connection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, header)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, pingPong bool, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Default()
	}
	id := com.NewUid()
	return &Connection{
		id:       id,
		sock:     conn,
		send:     make(chan []byte, sendBuffer),
		pingPong: pingPong,
		log:      log.Tagged("ws", id.Short()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Connection) Id() com.Uid { return c.id }

// Listen starts the pumps, the message handler should be set before.
func (c *Connection) Listen() {
	c.shutdown.Add(2)
	go c.writer()
	go c.reader()
}

// reader is the only goroutine reading the socket, messages go to OnMessage in order.
func (c *Connection) reader() {
	defer c.shutdown.Done()
	c.sock.SetReadLimit(maxMessageSize)
	if c.pingPong {
		alive := func(string) error { return c.sock.SetReadDeadline(time.Now().Add(pongTime)) }
		_ = alive("")
		c.sock.SetPongHandler(alive)
	}
	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			c.finish(c.classify(err))
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(message)
		}
	}
}

func (c *Connection) classify(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	select {
	case <-c.quit:
		// we asked for it
		return nil
	default:
	}
	c.log.Warn().Err(err).Msg("read")
	return ErrUnexpectedClose
}

// writer is the only goroutine writing the socket.
func (c *Connection) writer() {
	defer c.shutdown.Done()
	var tick <-chan time.Time
	if c.pingPong {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case message := <-c.send:
			if err := c.frame(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("write")
				c.finish(ErrUnexpectedClose)
				return
			}
		case <-tick:
			if err := c.frame(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("ping")
			}
		case <-c.quit:
			c.flush()
			bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.sock.WriteControl(websocket.CloseMessage, bye, time.Now().Add(writeWait)); err != nil {
				c.finish(nil)
			}
			return
		case <-c.done:
			return
		}
	}
}

// flush writes whatever is queued before the close frame.
func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.frame(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// frame writes one message, only the writer calls it.
func (c *Connection) frame(kind int, data []byte) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.sock.WriteMessage(kind, data)
}

func (c *Connection) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		_ = c.sock.Close()
		close(c.done)
	})
}

// Write queues the data without blocking.
// Returns false when the data was dropped (connection closing or the queue is full).
func (c *Connection) Write(data []byte) bool {
	select {
	case <-c.quit:
		return false
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn().Msg("send queue is full, dropped")
		return false
	}
}

// Close flushes queued messages, does the close handshake and
// waits a bit for the other side to acknowledge it.
func (c *Connection) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.finish(nil)
	}
}

// Done is closed when the connection is gone.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err tells how the connection was closed.
// nil means a normal close, ErrUnexpectedClose otherwise.
func (c *Connection) Err() error {
	<-c.done
	return c.err
}

// Wait blocks until both pumps exit.
func (c *Connection) Wait() { c.shutdown.Wait() }
