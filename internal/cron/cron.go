// Package cron runs Summit's periodic maintenance jobs — peer expiry,
// handshake-timeout sweeps, session initiation — each on its own ticker
// goroutine. A job runs single-flight: the next tick waits until the
// previous run returns.
package cron

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Cron manages a set of named, interval-based jobs.
type Cron struct {
	mu     sync.Mutex
	stops  map[string]chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New returns a Cron with no jobs.
func New() *Cron {
	return &Cron{stops: make(map[string]chan struct{})}
}

// Register starts a new job by name, running task every interval until
// Unregister or Stop. Names must be unique and intervals positive.
func (c *Cron) Register(name string, task func(), interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cron: job %q interval must be positive", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("cron: registering %q after Stop", name)
	}
	if _, exists := c.stops[name]; exists {
		return fmt.Errorf("cron: job %q is already registered", name)
	}

	stop := make(chan struct{})
	c.stops[name] = stop

	c.wg.Add(1)
	go c.run(name, task, interval, stop)

	log.WithFields(log.Fields{
		"job":      name,
		"interval": interval,
	}).Debug("cron job registered")

	return nil
}

func (c *Cron) run(name string, task func(), interval time.Duration, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			task()
			log.WithField("job", name).Debug("cron executed job")
		}
	}
}

// Unregister stops the job registered under name, if any.
func (c *Cron) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stop, ok := c.stops[name]; ok {
		close(stop)
		delete(c.stops, name)
	}
}

// Stop terminates every job and waits for their goroutines to exit.
// Only allowed to be called once.
func (c *Cron) Stop() {
	c.mu.Lock()
	c.closed = true
	for name, stop := range c.stops {
		close(stop)
		delete(c.stops, name)
	}
	c.mu.Unlock()

	c.wg.Wait()
}
