package abort

import (
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/avdug/internal/outcome"
)

// Set groups the three conditions a scan reacts to. Nil members are ignored,
// which lets tests inject only the monitors they exercise.
type Set struct {
	Manual      Monitor
	Environment Monitor
	Reload      Monitor
}

// Watched pairs a monitor's descriptor with the error it raises.
type Watched struct {
	Fd  int
	Err error
}

// NewProcessSet creates the monitors for a real process: SIGINT is a manual
// interrupt, SIGTERM an environment interrupt and SIGHUP a configuration
// reload.
func NewProcessSet() (*Set, error) {
	manual, err := NewSignalMonitor("manual", syscall.SIGINT)
	if err != nil {
		return nil, err
	}
	env, err := NewSignalMonitor("environment", syscall.SIGTERM)
	if err != nil {
		manual.Close()
		return nil, err
	}
	reload, err := NewSignalMonitor("reload", syscall.SIGHUP)
	if err != nil {
		manual.Close()
		env.Close()
		return nil, err
	}
	return &Set{Manual: manual, Environment: env, Reload: reload}, nil
}

// Check returns the error of the first triggered monitor, in the order
// manual, environment, reload.
func (s *Set) Check() error {
	if s == nil {
		return nil
	}
	if s.Manual != nil && s.Manual.Triggered() {
		log.Warn("Scan manually interrupted")
		return outcome.ErrManualInterrupt
	}
	if s.Environment != nil && s.Environment.Triggered() {
		log.Warn("Scan interrupted by environment")
		return outcome.ErrEnvironmentInterrupt
	}
	if s.Reload != nil && s.Reload.Triggered() {
		log.Warn("Scan interrupted by configuration reload")
		return outcome.ErrEnvironmentInterrupt
	}
	return nil
}

// Watched lists every monitor descriptor with its matching error, in check order.
func (s *Set) Watched() []Watched {
	if s == nil {
		return nil
	}
	var out []Watched
	if s.Manual != nil {
		out = append(out, Watched{Fd: s.Manual.Fd(), Err: outcome.ErrManualInterrupt})
	}
	if s.Environment != nil {
		out = append(out, Watched{Fd: s.Environment.Fd(), Err: outcome.ErrEnvironmentInterrupt})
	}
	if s.Reload != nil {
		out = append(out, Watched{Fd: s.Reload.Fd(), Err: outcome.ErrEnvironmentInterrupt})
	}
	return out
}

type closer interface {
	Close() error
}

// Close releases monitors that own resources.
func (s *Set) Close() {
	if s == nil {
		return
	}
	for _, m := range []Monitor{s.Manual, s.Environment, s.Reload} {
		if c, ok := m.(closer); ok {
			c.Close()
		}
	}
}
