package osdg

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Client bundles a Registry and an EventLoop behind the lifecycle an
// embedder actually wants: construct once, Run in the background, create
// Connections against it, Shutdown on exit. Grounded on the same
// construct-then-background-goroutine shape PalanQu-ceremonyclient uses
// for its node process.
type Client struct {
	cfg      Config
	registry *Registry
	loop     *EventLoop

	mu    sync.Mutex
	conns []*Connection

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient validates cfg and starts the background EventLoop goroutine.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := NewRegistry()
	loop := NewEventLoop(registry, cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())

	cl := &Client{
		cfg:      cfg,
		registry: registry,
		loop:     loop,
		cancel:   cancel,
	}

	cl.wg.Add(1)
	go func() {
		defer cl.wg.Done()
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			cfg.Logger.Warn("event loop stopped", zap.Error(err))
		}
	}()

	return cl, nil
}

// ConnectToGrid creates a Connection bound to longTermSecret, registers
// it, and dials Config.GridEndpoints, per spec §4.4.
func (cl *Client) ConnectToGrid(longTermSecret [KeySize]byte) (*Connection, error) {
	c, err := NewConnection(longTermSecret, cl.cfg.BufferSize, cl.cfg.Logger)
	if err != nil {
		return nil, err
	}
	cl.registry.Register(c)
	cl.track(c)
	if err := cl.loop.ConnectToGrid(c, cl.cfg.GridEndpoints, cl.cfg.DialTimeout); err != nil {
		cl.registry.Unregister(c.UID())
		return nil, err
	}
	return c, nil
}

// ConnectToPeer creates a Connection bound to longTermSecret, registers
// it, and dials endpoints carrying tunnelID, per spec §4.4.
func (cl *Client) ConnectToPeer(longTermSecret [KeySize]byte, endpoints []string, tunnelID []byte) (*Connection, error) {
	c, err := NewConnection(longTermSecret, cl.cfg.BufferSize, cl.cfg.Logger)
	if err != nil {
		return nil, err
	}
	cl.registry.Register(c)
	cl.track(c)
	if err := cl.loop.ConnectToPeer(c, endpoints, tunnelID, cl.cfg.DialTimeout); err != nil {
		cl.registry.Unregister(c.UID())
		return nil, err
	}
	return c, nil
}

func (cl *Client) track(c *Connection) {
	cl.mu.Lock()
	cl.conns = append(cl.conns, c)
	cl.mu.Unlock()
}

// Lookup returns the Connection registered under uid, or nil.
func (cl *Client) Lookup(uid uint64) *Connection {
	return cl.registry.Get(uid)
}

// Shutdown closes every Connection this Client created that is not
// already closed or failed, and stops the background EventLoop goroutine,
// waiting for it to exit.
func (cl *Client) Shutdown() error {
	cl.mu.Lock()
	conns := cl.conns
	cl.conns = nil
	cl.mu.Unlock()

	for _, c := range conns {
		if c.Status() != StatusClosed && c.Status() != StatusFailed {
			c.Close()
		}
	}
	// Close only posts to the event loop; let those posts run before
	// stopping it.
	if len(conns) > 0 {
		drained := make(chan struct{})
		cl.loop.post(func() { close(drained) })
		<-drained
	}

	cl.cancel()
	cl.wg.Wait()
	return nil
}
