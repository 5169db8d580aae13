// Package realtime maintains the authenticated server-push connection.
//
// The channel never reconnects on its own. A dropped connection fires the
// disconnect hooks and stays down until Connect is called again, which the
// coordinator does when connectivity returns or the token is renewed.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
)

// Server event names.
const (
	EventRecordUpserted = "record.upserted"
	EventRecordDeleted  = "record.deleted"
)

// Message is one server-pushed event.
type Message struct {
	Event      string          `json:"event"`
	TenantID   string          `json:"tenant_id"`
	UserID     string          `json:"user_id,omitempty"`
	EntityType string          `json:"entity_type,omitempty"`
	RecordID   string          `json:"record_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Handler receives messages for one event name.
type Handler func(Message)

// SubscriptionID identifies a handler registered with On.
type SubscriptionID uint64

// Options configures a Channel.
type Options struct {
	URL              string
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	// OnState is told about every connect and disconnect.
	OnState func(connected bool)
}

// connection is one physical websocket and its credentials.
type connection struct {
	conn    *websocket.Conn
	token   string
	tenant  string
	done    chan struct{}
	closing atomic.Bool
	writeMu sync.Mutex
}

// Channel is the realtime connection for one authenticated session.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer

	connectMu sync.Mutex
	current   atomic.Pointer[connection]

	handlersMu   sync.RWMutex
	handlers     map[string]map[SubscriptionID]Handler
	nextID       atomic.Uint64
	onDisconnect []func(error)
}

// New creates a disconnected Channel.
func New(opts Options) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Channel{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		handlers: make(map[string]map[SubscriptionID]Handler),
	}
}

// Connect opens the connection for token and tenantID. It is a no-op when
// already connected with the same credentials; different credentials close
// the old connection first.
func (c *Channel) Connect(ctx context.Context, token, tenantID string) error {
	if token == "" || tenantID == "" {
		return errors.New(errors.ErrInvalid, "realtime connect requires token and tenant")
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if cur := c.current.Load(); cur != nil {
		if cur.token == token && cur.tenant == tenantID {
			return nil
		}
		logging.Info("Realtime credentials changed, reconnecting", map[string]interface{}{"tenant_id": tenantID})
		c.close(cur)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Tenant-ID", tenantID)

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.Wrap(errors.ErrAuthExpired, "realtime handshake rejected", err)
		}
		return errors.Wrap(errors.ErrTransport, "realtime dial failed", err)
	}

	cc := &connection{
		conn:   conn,
		token:  token,
		tenant: tenantID,
		done:   make(chan struct{}),
	}
	c.current.Store(cc)

	logging.Info("Realtime channel connected", map[string]interface{}{"tenant_id": tenantID})
	if c.opts.OnState != nil {
		c.opts.OnState(true)
	}

	go c.readLoop(cc)
	go c.pingLoop(cc)
	return nil
}

// Disconnect closes the connection without firing disconnect hooks.
func (c *Channel) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if cur := c.current.Load(); cur != nil {
		c.close(cur)
	}
}

// IsConnected reports whether a connection is open.
func (c *Channel) IsConnected() bool {
	return c.current.Load() != nil
}

// On registers handler for event.
func (c *Channel) On(event string, handler Handler) SubscriptionID {
	id := SubscriptionID(c.nextID.Add(1))
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[SubscriptionID]Handler)
	}
	c.handlers[event][id] = handler
	return id
}

// Off removes a handler registered with On.
func (c *Channel) Off(event string, id SubscriptionID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.handlers[event], id)
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// OnDisconnect registers fn to run when the connection drops unexpectedly.
func (c *Channel) OnDisconnect(fn func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// close shuts cc down and waits for its reader. Callers hold connectMu.
func (c *Channel) close(cc *connection) {
	cc.closing.Store(true)
	c.current.CompareAndSwap(cc, nil)

	cc.writeMu.Lock()
	_ = cc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	cc.writeMu.Unlock()
	_ = cc.conn.Close()
	<-cc.done

	logging.Info("Realtime channel disconnected", map[string]interface{}{"tenant_id": cc.tenant})
	if c.opts.OnState != nil {
		c.opts.OnState(false)
	}
}

func (c *Channel) readLoop(cc *connection) {
	readTimeout := 2 * c.opts.PingInterval
	_ = cc.conn.SetReadDeadline(time.Now().Add(readTimeout))
	cc.conn.SetPongHandler(func(string) error {
		return cc.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	var readErr error
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = cc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(cc, data)
	}
	close(cc.done)

	if cc.closing.Load() {
		return
	}

	c.current.CompareAndSwap(cc, nil)
	_ = cc.conn.Close()

	logging.Warn("Realtime connection dropped", map[string]interface{}{
		"tenant_id": cc.tenant,
		"error":     readErr.Error(),
	})
	if c.opts.OnState != nil {
		c.opts.OnState(false)
	}

	c.handlersMu.RLock()
	hooks := make([]func(error), len(c.onDisconnect))
	copy(hooks, c.onDisconnect)
	c.handlersMu.RUnlock()
	for _, fn := range hooks {
		fn(readErr)
	}
}

func (c *Channel) pingLoop(cc *connection) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.done:
			return
		case <-ticker.C:
			cc.writeMu.Lock()
			err := cc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.PingInterval))
			cc.writeMu.Unlock()
			if err != nil {
				// The reader observes the closed socket and reports the drop.
				_ = cc.conn.Close()
				return
			}
		}
	}
}

func (c *Channel) dispatch(cc *connection, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn("Dropping malformed realtime message", map[string]interface{}{"error": err.Error()})
		return
	}
	if msg.TenantID != cc.tenant {
		logging.Warn("Dropping realtime message for another tenant", map[string]interface{}{
			"event":     msg.Event,
			"tenant_id": msg.TenantID,
		})
		return
	}

	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[msg.Event]))
	for _, h := range c.handlers[msg.Event] {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
