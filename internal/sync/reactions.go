package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/tenantsync/internal/auth"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/realtime"
)

// Start subscribes the coordinator to connectivity, session and realtime
// events. Listener work runs on goroutines so the notifying component is
// never blocked by a drain or a dial. Start is a no-op when already started.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.monitor != nil {
		c.unsubs = append(c.unsubs, c.monitor.Subscribe(func(prev, next models.ConnectionState) {
			c.goReact(func(ctx context.Context) { c.onConnectivity(ctx, prev, next) })
		}))
	}
	if c.sessions != nil {
		c.unsubs = append(c.unsubs, c.sessions.Subscribe(func(ev auth.Event) {
			c.goReact(func(ctx context.Context) { c.onSession(ctx, ev) })
		}))
	}
	if c.rt != nil {
		c.rt.OnDisconnect(func(err error) {
			logging.Warn("Realtime channel dropped", map[string]interface{}{"error": errString(err)})
			c.Reconnect()
		})
		handler := func(msg realtime.Message) {
			if err := c.HandleRealtimeEvent(msg); err != nil {
				logging.Error("Failed to apply realtime event", err, map[string]interface{}{
					"event":     msg.Event,
					"record_id": msg.RecordID,
				})
			}
		}
		c.rt.On(realtime.EventRecordUpserted, handler)
		c.rt.On(realtime.EventRecordDeleted, handler)
	}

	if c.sessions != nil {
		if session, ok := c.sessions.Session(); ok {
			c.goReact(func(ctx context.Context) {
				c.onSession(ctx, auth.Event{Kind: auth.EventSessionSet, Session: session})
			})
		}
	}
}

// Close unsubscribes from every source, waits for running reactions and
// closes all subscriber channels.
func (c *Coordinator) Close() {
	c.runMu.Lock()
	cancel := c.cancel
	unsubs := c.unsubs
	c.unsubs = nil
	c.runMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if c.rt != nil {
		c.rt.Disconnect()
	}
	c.events.close()
}

func (c *Coordinator) baseContext() context.Context {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c *Coordinator) goReact(fn func(ctx context.Context)) {
	ctx := c.baseContext()
	if ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

func (c *Coordinator) onConnectivity(ctx context.Context, prev, next models.ConnectionState) {
	if c.monitor != nil {
		c.publish(EventConnection, c.monitor.Status())
	}

	switch next {
	case models.ConnectionOffline:
		c.mu.Lock()
		if c.offlineSince.IsZero() {
			c.offlineSince = c.now()
		}
		c.mu.Unlock()
		c.publishStatus()

	case models.ConnectionOnline:
		c.mu.Lock()
		since := c.offlineSince
		loaded := c.lastLoadedAt
		c.offlineSince = time.Time{}
		c.mu.Unlock()

		logging.Info("Connectivity restored", map[string]interface{}{"previous": string(prev)})
		if b := c.binding(); b != nil {
			b.queue.ResetBackoff()
		}
		if c.sessions != nil && c.sessions.IsExpired() && !c.sessions.ReauthRequired() {
			if _, err := c.sessions.RefreshToken(ctx); err != nil {
				logging.Warn("Token renewal after reconnect failed", map[string]interface{}{"error": err.Error()})
			}
		}
		c.connectRealtime(ctx)
		c.WakeDrain()
		c.publishStatus()

		longOffline := !since.IsZero() && c.now().Sub(since) >= c.opts.LongOffline
		if c.binding() != nil && (loaded.IsZero() || longOffline) {
			c.loadInBackground(ctx)
		}
	}
}

func (c *Coordinator) onSession(ctx context.Context, ev auth.Event) {
	c.publish(EventAuth, AuthStatus{
		Kind:           string(ev.Kind),
		TenantID:       ev.Session.TenantID,
		UserID:         ev.Session.UserID,
		ReauthRequired: c.sessions.ReauthRequired(),
	})

	switch ev.Kind {
	case auth.EventSessionSet:
		scope := models.Scope{TenantID: ev.Session.TenantID, UserID: ev.Session.UserID}
		if err := c.Bind(ctx, scope); err != nil {
			logging.Error("Failed to bind session scope", err, map[string]interface{}{"scope": scope.String()})
			return
		}
		if c.monitor != nil && c.monitor.IsOnline() {
			c.connectRealtime(ctx)
			c.loadInBackground(ctx)
		}
		c.WakeDrain()

	case auth.EventRenewed:
		c.connectRealtime(ctx)
		c.WakeDrain()
		c.publishStatus()

	case auth.EventReauthRequired:
		if c.rt != nil {
			c.rt.Disconnect()
		}
		c.publishStatus()

	case auth.EventCleared:
		if c.rt != nil {
			c.rt.Disconnect()
		}
		c.Unbind()
	}
}

// connectRealtime opens the channel with the current token. Connecting with
// unchanged credentials is a no-op on the channel side.
func (c *Coordinator) connectRealtime(ctx context.Context) {
	if c.rt == nil || c.sessions == nil {
		return
	}
	if c.monitor != nil && !c.monitor.IsOnline() {
		return
	}
	session, ok := c.sessions.Session()
	if !ok || c.sessions.IsExpired() || c.sessions.ReauthRequired() {
		return
	}
	if err := c.rt.Connect(ctx, session.Token, session.TenantID); err != nil {
		logging.Warn("Realtime connect failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Coordinator) loadInBackground(ctx context.Context) {
	if _, err := c.LoadInbound(ctx, nil); err != nil {
		logging.Warn("Automatic inbound load failed", map[string]interface{}{"error": err.Error()})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
