package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/presencehub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// InboundHandler callback on one inbound control message
type InboundHandler func(msg common.ClientMessage)

// CloseHandler callback when the transport is gone
type CloseHandler func()

// Connection one client transport connection.
//
// Send queues a message onto the connection's ordered outbound queue, so it
// satisfies common.MessageSink. The queue is drained by a single writer.
type Connection interface {
	common.MessageSink
	// ID unique connection ID, minted when the transport attached
	ID() string
	// RemoteAddr the transport level peer address
	RemoteAddr() string
	// UserAgent the client user-agent string
	UserAgent() string
	// Serve run the connection's read loop until the transport closes.
	// onMessage fires per valid control message, onClose exactly once after
	// the read loop exits.
	Serve(ctxt context.Context, onMessage InboundHandler, onClose CloseHandler)
	// Close tear the transport down
	Close() error
}

// wsConnectionImpl implements Connection over a websocket
type wsConnectionImpl struct {
	common.Component
	id         string
	ws         *websocket.Conn
	userAgent  string
	config     common.GatewayConfig
	sendQ      chan common.ServerMessage
	closed     chan struct{}
	closeOnce  sync.Once
	validate   *validator.Validate
	writeWait  time.Duration
	pingPeriod time.Duration
	pongWait   time.Duration
}

// GetWebsocketConnection wrap an upgraded websocket as a Connection
func GetWebsocketConnection(
	ws *websocket.Conn, userAgent string, config common.GatewayConfig,
) (Connection, error) {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "gateway", "component": "ws-connection", "connection": id,
	}
	pingPeriod := time.Second * time.Duration(config.PingInterval)
	return &wsConnectionImpl{
		Component:  common.Component{LogTags: logTags},
		id:         id,
		ws:         ws,
		userAgent:  userAgent,
		config:     config,
		sendQ:      make(chan common.ServerMessage, config.SendQueueLen),
		closed:     make(chan struct{}),
		validate:   validator.New(),
		writeWait:  time.Second * time.Duration(config.WriteTimeout),
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * 2,
	}, nil
}

// ID unique connection ID
func (c *wsConnectionImpl) ID() string {
	return c.id
}

// RemoteAddr the transport level peer address
func (c *wsConnectionImpl) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// UserAgent the client user-agent string
func (c *wsConnectionImpl) UserAgent() string {
	return c.userAgent
}

// Send queue one message for delivery
func (c *wsConnectionImpl) Send(msg common.ServerMessage) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s is closed", c.id)
	case c.sendQ <- msg:
		return nil
	default:
		return fmt.Errorf("connection %s send queue full", c.id)
	}
}

// Close tear the transport down
func (c *wsConnectionImpl) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.ws.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Transport close failed")
		}
	})
	return nil
}

// Serve run the connection's read loop until the transport closes
func (c *wsConnectionImpl) Serve(
	ctxt context.Context, onMessage InboundHandler, onClose CloseHandler,
) {
	go c.writePump(ctxt)
	c.readPump(ctxt, onMessage)
	_ = c.Close()
	onClose()
}

// writePump single writer draining the outbound queue
func (c *wsConnectionImpl) writePump(ctxt context.Context) {
	pinger := time.NewTicker(c.pingPeriod)
	defer pinger.Stop()
	defer log.WithFields(c.LogTags).Debug("Write pump exiting")
	for {
		select {
		case <-ctxt.Done():
			_ = c.Close()
			return
		case <-c.closed:
			return
		case msg := <-c.sendQ:
			serialized, err := json.Marshal(&msg)
			if err != nil {
				log.WithError(err).WithFields(c.LogTags).Errorf(
					"Dropping unserializable %s message", msg.Type,
				)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, serialized); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Transport write failed")
				_ = c.Close()
				return
			}
		case <-pinger.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Transport ping failed")
				_ = c.Close()
				return
			}
		}
	}
}

// readPump read inbound control messages until the transport closes
func (c *wsConnectionImpl) readPump(ctxt context.Context, onMessage InboundHandler) {
	c.ws.SetReadLimit(c.config.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		select {
		case <-ctxt.Done():
			return
		case <-c.closed:
			return
		default:
		}
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(c.LogTags).Info("Transport read failed")
			}
			return
		}
		var msg common.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug(
				"Discarding malformed control message",
			)
			continue
		}
		if err := c.validate.Struct(&msg); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug(
				"Discarding invalid control message",
			)
			continue
		}
		onMessage(msg)
	}
}
