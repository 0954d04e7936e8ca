// Package observ provides the structured logging every other internal
// package writes through (SPEC_FULL.md §2.1), built the way
// dsmmcken-dh-cli wires up its own Firecracker VM logger: a
// *logrus.Logger constructed once, with scoped *logrus.Entry values
// carrying fixed fields handed out to callers instead of the bare logger.
package observ

import (
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide *logrus.Logger, defaulting to
// WarnLevel like dsmmcken-dh-cli's machine_linux.go does for its
// Firecracker client logger, so an embedder that never configures
// anything doesn't get guest-run noise.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	l.SetLevel(lvl)
	return l
}

// Region returns a logger entry scoped to one Region, for Region
// lifecycle events (spec.md §4.7): creation, Arena allocation/free,
// teardown.
func Region(l *logrus.Logger, regionID uint64) *logrus.Entry {
	return l.WithField("region_id", regionID)
}

// Instance returns a logger entry scoped to one Instance slot within a
// Region, adding the module path once it's known.
func Instance(region *logrus.Entry, slot uint32, modulePath string) *logrus.Entry {
	e := region.WithField("instance_slot", slot)
	if modulePath != "" {
		e = e.WithField("module", modulePath)
	}
	return e
}

// Fault logs a non-fatal guest trap at Warn and a fatal one at Error,
// matching spec.md §4.4's fatal/non-fatal split. It only logs; it changes
// no Instance or Region state.
func Fault(e *logrus.Entry, trapCode string, rip uintptr, fatal bool) {
	entry := e.WithFields(logrus.Fields{
		"trap_code": trapCode,
		"rip":       rip,
		"fatal":     fatal,
	})
	if fatal {
		entry.Error("guest fault")
	} else {
		entry.Warn("guest fault")
	}
}
