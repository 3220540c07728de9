// Package bone maps short sensor labels to joints of a loaded avatar.
package bone

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/posebridge/skeleton"
)

// DefaultLabels is the label to joint-name table of the reference (Mixamo rigged) avatar.
var DefaultLabels = map[string]string{
	"RFA": "mixamorigRightForeArm",
	"RA":  "mixamorigRightArm",
	"LA":  "mixamorigLeftArm",
	"LFA": "mixamorigLeftForeArm",
	"LUL": "mixamorigLeftUpLeg",
	"LL":  "mixamorigLeftLeg",
	"RUL": "mixamorigRightUpLeg",
	"RL":  "mixamorigRightLeg",
	"SP":  "mixamorigSpine",
	"SP1": "mixamorigSpine1",
	"SP2": "mixamorigSpine2",
	"H":   "mixamorigHead",
}

// Registry resolves a sensor label to a joint. The zero value is not usable; use NewRegistry.
type Registry struct {
	table  map[string]string
	byName map[string][]string
	logger *slog.Logger

	mu     sync.RWMutex
	joints map[string]*skeleton.Joint
}

// NewRegistry creates an empty registry over a label to joint-name table.
// A nil table selects DefaultLabels.
func NewRegistry(table map[string]string, logger *slog.Logger) *Registry {
	if table == nil {
		table = DefaultLabels
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		table:  make(map[string]string, len(table)),
		byName: make(map[string][]string, len(table)),
		logger: logger.With("component", "bone_registry"),
		joints: make(map[string]*skeleton.Joint),
	}
	for label, name := range table {
		r.table[label] = name
		r.byName[name] = append(r.byName[name], label)
	}
	return r
}

// Populate scans the hierarchy and records every joint whose name is in the table.
// Labels whose joint is absent stay unmapped. A later call replaces earlier mappings.
// It returns the number of labels mapped.
func (r *Registry) Populate(h *skeleton.Hierarchy) int {
	mapped := make(map[string]*skeleton.Joint)
	h.Walk(func(n *skeleton.Node) {
		if !n.IsJoint() {
			return
		}
		for _, label := range r.byName[n.Name] {
			if _, dup := mapped[label]; dup {
				continue
			}
			mapped[label] = n.Joint
			r.logger.Info("Mapped sensor label to joint", "label", label, "joint", n.Name)
		}
	})

	r.mu.Lock()
	r.joints = mapped
	r.mu.Unlock()

	if len(mapped) < len(r.table) {
		r.logger.Debug("Some labels have no joint in the avatar",
			"mapped", len(mapped), "known", len(r.table))
	}
	return len(mapped)
}

// Lookup returns the joint for a label. A miss is a normal outcome.
func (r *Registry) Lookup(label string) (*skeleton.Joint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.joints[label]
	return j, ok
}

// Labels returns the mapped labels in sorted order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	labels := make([]string, 0, len(r.joints))
	for label := range r.joints {
		labels = append(labels, label)
	}
	r.mu.RUnlock()
	sort.Strings(labels)
	return labels
}

// Known reports whether label appears in the table, mapped or not.
func (r *Registry) Known(label string) bool {
	_, ok := r.table[label]
	return ok
}

// Missing returns the given labels that currently have no joint, sorted.
func (r *Registry) Missing(labels []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, label := range labels {
		if _, ok := r.joints[label]; !ok {
			missing = append(missing, label)
		}
	}
	sort.Strings(missing)
	return missing
}

// Len returns the number of mapped labels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joints)
}
