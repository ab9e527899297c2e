// Package abort watches for the external conditions that stop a running scan.
//
// Each condition is exposed as a Monitor: a descriptor that becomes readable
// once the condition fires, suitable for inclusion in a poll set alongside
// sockets, plus a Triggered query for cheap checks between blocking calls.
package abort

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Monitor is one pollable abort condition.
type Monitor interface {
	// Fd is readable from the moment the condition fires and stays readable.
	Fd() int
	Triggered() bool
}

// PipeMonitor backs a Monitor with a self-pipe. Trigger writes one byte that
// is never drained, so every later poll returns immediately.
type PipeMonitor struct {
	name      string
	r, w      int
	triggered atomic.Bool

	sigCh     chan os.Signal
	stop      chan struct{}
	closeOnce sync.Once
}

// NewPipeMonitor creates a monitor that fires only when Trigger is called.
func NewPipeMonitor(name string) (*PipeMonitor, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("failed to create %s pipe: %w", name, err)
	}
	return &PipeMonitor{
		name: name,
		r:    p[0],
		w:    p[1],
		stop: make(chan struct{}),
	}, nil
}

// NewSignalMonitor creates a monitor that fires when any of sigs is delivered.
func NewSignalMonitor(name string, sigs ...os.Signal) (*PipeMonitor, error) {
	m, err := NewPipeMonitor(name)
	if err != nil {
		return nil, err
	}
	m.sigCh = make(chan os.Signal, 1)
	signal.Notify(m.sigCh, sigs...)
	go func() {
		for {
			select {
			case sig := <-m.sigCh:
				log.WithFields(log.Fields{"monitor": m.name, "signal": sig}).Info("Received signal")
				m.Trigger()
			case <-m.stop:
				return
			}
		}
	}()
	return m, nil
}

// Name identifies the monitor in logs.
func (m *PipeMonitor) Name() string {
	return m.name
}

// Fd implements Monitor.
func (m *PipeMonitor) Fd() int {
	return m.r
}

// Triggered implements Monitor.
func (m *PipeMonitor) Triggered() bool {
	return m.triggered.Load()
}

// Trigger fires the condition. Repeated calls are no-ops.
func (m *PipeMonitor) Trigger() {
	if !m.triggered.CompareAndSwap(false, true) {
		return
	}
	if _, err := unix.Write(m.w, []byte{1}); err != nil {
		log.WithFields(log.Fields{"monitor": m.name, "error": err}).Error("Failed to notify abort pipe")
	}
}

// Close stops signal delivery and releases both pipe ends.
func (m *PipeMonitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.sigCh != nil {
			signal.Stop(m.sigCh)
		}
		close(m.stop)
		if e := unix.Close(m.w); e != nil {
			err = e
		}
		if e := unix.Close(m.r); e != nil && err == nil {
			err = e
		}
	})
	return err
}
