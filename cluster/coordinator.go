// Package cluster keeps per-node session caches coherent across a fleet of
// server processes using a Redis pub/sub broadcast channel.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/minhtran/sessioncluster/cache"
	"github.com/minhtran/sessioncluster/types"
)

// Cache is the part of the local cache the coordinator drives when peer
// invalidations arrive.
type Cache interface {
	Delete(key string) bool
	Clear()
}

// Config configures a Coordinator. Fields are read once at construction;
// changing the configuration requires building a new coordinator.
type Config struct {
	// NodeID uniquely identifies this process among concurrently running
	// nodes. Two nodes sharing an id silently break coherence: each discards
	// the other's invalidations as its own echoes.
	NodeID string

	// Channel is the pub/sub channel carrying invalidation messages.
	Channel string

	// SubscribeTimeout bounds how long establishing a subscription may take
	// before it is treated as a failure and retried.
	SubscribeTimeout time.Duration

	// ReconnectBackoff is the fixed delay between subscription attempts.
	ReconnectBackoff time.Duration
}

const (
	defaultSubscribeTimeout = 5 * time.Second
	defaultReconnectBackoff = time.Second
)

var errStopped = errors.New("coordinator stopped")

// Coordinator owns one node's local cache coherence. While running, a single
// background goroutine holds a dedicated subscription connection and applies
// peer invalidations to the local cache; subscribing occupies a connection
// exclusively, so publishes go through the ordinary client.
type Coordinator struct {
	client *redis.Client
	cfg    Config
	local  Cache
	logger cache.Logger

	mu      sync.Mutex // guards running, pubsub, done
	running bool
	pubsub  *redis.PubSub
	done    chan struct{}
	wg      sync.WaitGroup

	invalidations int64
}

// New creates a coordinator over the given Redis client and local cache.
func New(client *redis.Client, cfg Config, local Cache, logger cache.Logger) *Coordinator {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Coordinator{
		client: client,
		cfg:    cfg,
		local:  local,
		logger: logger,
	}
}

// Start launches the background subscription loop. Calling Start on a running
// coordinator is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.wg.Add(1)
	go c.subscribeLoop(done)
}

// Stop shuts down the subscription loop and waits for it to wind down.
// Calling Stop on a stopped coordinator is a no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	ps := c.pubsub
	c.pubsub = nil
	c.mu.Unlock()

	if ps != nil {
		// Best effort: a failed unsubscribe only costs the server a dead
		// connection it will reap on its own.
		if err := ps.Close(); err != nil {
			c.logger.Warn("cluster: closing subscription failed", "error", err)
		}
	}
	c.wg.Wait()
}

// Running reports whether the subscription loop is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Invalidations returns the number of peer messages applied to the local
// cache since construction.
func (c *Coordinator) Invalidations() int64 {
	return atomic.LoadInt64(&c.invalidations)
}

// PublishInvalidation broadcasts that a session was deleted on this node.
func (c *Coordinator) PublishInvalidation(ctx context.Context, sessionID string) {
	c.publish(ctx, types.SessionDeleted, sessionID)
}

// PublishSessionInvalidated broadcasts that a session was written on this
// node, so peers must drop any cached copy and refetch.
func (c *Coordinator) PublishSessionInvalidated(ctx context.Context, sessionID string) {
	c.publish(ctx, types.SessionInvalidated, sessionID)
}

// PublishCacheClear broadcasts that peers must drop their entire local cache.
func (c *Coordinator) PublishCacheClear(ctx context.Context) {
	c.publish(ctx, types.CacheClear, "")
}

// publish broadcasts one message. Failures are logged and swallowed: the
// caller's own store and cache mutations already happened, and peers are
// still bounded by their cache TTL.
func (c *Coordinator) publish(ctx context.Context, t types.Type, sessionID string) {
	msg := types.Message{
		Type:      t,
		SessionID: sessionID,
		NodeID:    c.cfg.NodeID,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("cluster: encoding message failed", "type", t, "error", err)
		return
	}
	if err := c.client.Publish(ctx, c.cfg.Channel, data).Err(); err != nil {
		c.logger.Warn("cluster: publish failed", "type", t, "session", sessionID, "error", err)
	}
}

// subscribeLoop keeps a subscription open for the life of the coordinator,
// retrying with a fixed backoff. Membership hiccups are transient and
// infrequent, so exponential backoff buys nothing here.
func (c *Coordinator) subscribeLoop(done <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		default:
		}

		ps, err := c.subscribe()
		if err != nil {
			if errors.Is(err, errStopped) {
				return
			}
			c.logger.Warn("cluster: subscribe failed, retrying",
				"channel", c.cfg.Channel, "error", err)
			if !c.backoff(done) {
				return
			}
			continue
		}

		c.consume(ps, done)

		c.mu.Lock()
		if c.pubsub == ps {
			c.pubsub = nil
		}
		stopped := !c.running
		c.mu.Unlock()
		if stopped {
			return
		}

		ps.Close()
		c.logger.Warn("cluster: subscription lost, reconnecting", "channel", c.cfg.Channel)
		if !c.backoff(done) {
			return
		}
	}
}

// subscribe opens the dedicated subscription connection and waits for the
// server's confirmation within SubscribeTimeout.
func (c *Coordinator) subscribe() (*redis.PubSub, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SubscribeTimeout)
	defer cancel()

	ps := c.client.Subscribe(ctx, c.cfg.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		ps.Close()
		return nil, errStopped
	}
	c.pubsub = ps
	c.mu.Unlock()
	return ps, nil
}

// consume drains the subscription until it drops or the coordinator stops.
func (c *Coordinator) consume(ps *redis.PubSub, done <-chan struct{}) {
	ch := ps.Channel()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handleMessage([]byte(msg.Payload))
		}
	}
}

// handleMessage decodes and applies one broadcast message to the local cache.
func (c *Coordinator) handleMessage(raw []byte) {
	var msg types.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("cluster: dropping undecodable message", "error", err)
		return
	}

	if msg.NodeID == c.cfg.NodeID {
		// Our own echo. This node already applied the mutation directly, and
		// acting on the echo could clear an entry a concurrent read just
		// repopulated.
		return
	}

	switch msg.Type {
	case types.SessionDeleted, types.SessionInvalidated:
		c.local.Delete(msg.SessionID)
		atomic.AddInt64(&c.invalidations, 1)
		c.logger.Debug("cluster: invalidated session",
			"session", msg.SessionID, "type", msg.Type, "from", msg.NodeID)
	case types.CacheClear:
		c.local.Clear()
		atomic.AddInt64(&c.invalidations, 1)
		c.logger.Debug("cluster: cleared local cache", "from", msg.NodeID)
	default:
		c.logger.Warn("cluster: unknown message type",
			"type", msg.Type, "from", msg.NodeID)
	}
}

func (c *Coordinator) backoff(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	case <-time.After(c.cfg.ReconnectBackoff):
		return true
	}
}
