package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Client is one accepted socket. Frames are queued on outbox and written by
// a single writer goroutine so the Hub never blocks on a slow peer.
type Client struct {
	ID string

	conn      *websocket.Conn
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, conn *websocket.Conn, outboxSize int) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// Send queues data without blocking.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrOutboxFull
	}
}

// Close stops the writer and closes the socket with status. Safe to call
// more than once.
func (c *Client) Close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			// Close waits for the peer's close frame; don't hold the caller.
			go c.conn.Close(status, reason)
		}
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// writePump drains the outbox until the client closes or ctx ends.
func (c *Client) writePump(ctx context.Context, logger *zap.Logger, onWritten func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Debug("write failed, closing connection", zap.String("connection_id", c.ID), zap.Error(err))
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
			if onWritten != nil {
				onWritten()
			}
		}
	}
}

// pingLoop keeps the socket alive and reports each pong through onPong.
func (c *Client) pingLoop(ctx context.Context, interval time.Duration, onPong func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
			onPong()
		}
	}
}

type ConnectionManager struct {
	clients map[string]*Client // connectionID → client
	mu      sync.RWMutex
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

func (cm *ConnectionManager) AddConnection(c *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clients[c.ID] = c
}

func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.clients, id)
}

// GetConnection returns the client for connectionID, or nil.
func (cm *ConnectionManager) GetConnection(connectionID string) *Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.clients[connectionID]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// CloseAll closes every registered client.
func (cm *ConnectionManager) CloseAll(status websocket.StatusCode, reason string) {
	cm.mu.RLock()
	clients := make([]*Client, 0, len(cm.clients))
	for _, c := range cm.clients {
		clients = append(clients, c)
	}
	cm.mu.RUnlock()

	for _, c := range clients {
		c.Close(status, reason)
	}
}
