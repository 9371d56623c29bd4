package triage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nhle/mailtriage/internal/model"
)

// ErrAlreadyRunning is returned by Controller.Start while a loop is active.
var ErrAlreadyRunning = errors.New("triage loop already running")

// DepsFactory builds loop collaborators for a configuration snapshot.
type DepsFactory func(cfg model.TriageConfig) (Deps, error)

// Controller maps start/stop commands onto loops. Because a stopped loop
// never restarts, every Start builds a fresh Loop.
type Controller struct {
	factory DepsFactory
	events  chan Event

	mu      sync.Mutex
	current *Loop
}

// NewController creates a controller that builds loops with factory.
func NewController(factory DepsFactory) *Controller {
	return &Controller{
		factory: factory,
		events:  make(chan Event, eventBuffer),
	}
}

// Start validates cfg and starts a new loop. Incomplete configuration is
// reported as *ConfigError and nothing is started.
func (c *Controller) Start(cfg model.TriageConfig) (*Loop, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.State() != StateStopped {
		return nil, ErrAlreadyRunning
	}

	deps, err := c.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("building triage loop: %w", err)
	}

	loop := newLoop(cfg, deps, c.events)
	if err := loop.Start(); err != nil {
		return nil, err
	}
	c.current = loop

	return loop, nil
}

// Stop asks the current loop, if any, to stop.
func (c *Controller) Stop() {
	c.mu.Lock()
	loop := c.current
	c.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
}

// Running reports whether a loop is active. It turns false as soon as a
// loop stops on its own (for example after a rejected login).
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.State() == StateRunning
}

// Current returns the most recently started loop, or nil.
func (c *Controller) Current() *Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Events returns the channel shared by all loops this controller starts.
func (c *Controller) Events() <-chan Event {
	return c.events
}
