// Package skeleton holds the node hierarchy of a loaded avatar and the joints that sensors drive.
package skeleton

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Joint is a rotatable body segment. The avatar owns it; registries hold non-owning pointers.
type Joint struct {
	name string

	mu       sync.RWMutex
	rotation mgl64.Quat
	updates  uint64
}

// NewJoint creates a joint at the given rest rotation.
func NewJoint(name string, rest mgl64.Quat) *Joint {
	return &Joint{name: name, rotation: rest}
}

// Name returns the joint name as it appears in the asset.
func (j *Joint) Name() string {
	return j.name
}

// Rotation returns the current local rotation.
func (j *Joint) Rotation() mgl64.Quat {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rotation
}

// SetRotation replaces the current rotation.
func (j *Joint) SetRotation(q mgl64.Quat) {
	j.mu.Lock()
	j.rotation = q
	j.updates++
	j.mu.Unlock()
}

// Update applies fn to the current rotation under the joint lock and stores the result.
// It returns the stored rotation.
func (j *Joint) Update(fn func(current mgl64.Quat) mgl64.Quat) mgl64.Quat {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rotation = fn(j.rotation)
	j.updates++
	return j.rotation
}

// Updates returns how many times the rotation was written since load.
func (j *Joint) Updates() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.updates
}

// Node is one entry of the asset hierarchy.
type Node struct {
	Name     string
	Children []*Node

	// Joint is non-nil when the node is part of a skin.
	Joint *Joint
}

// IsJoint reports whether the node is a skeletal joint.
func (n *Node) IsJoint() bool {
	return n.Joint != nil
}

// Hierarchy is the loaded scene graph of an avatar.
type Hierarchy struct {
	Source string
	Roots  []*Node
}

// Walk visits every node depth-first, parents before children.
func (h *Hierarchy) Walk(fn func(*Node)) {
	if h == nil {
		return
	}
	var visit func(*Node)
	visit = func(n *Node) {
		fn(n)
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, r := range h.Roots {
		visit(r)
	}
}

// Joints returns every joint in traversal order.
func (h *Hierarchy) Joints() []*Joint {
	var joints []*Joint
	h.Walk(func(n *Node) {
		if n.IsJoint() {
			joints = append(joints, n.Joint)
		}
	})
	return joints
}

// Find returns the first node with the given name.
func (h *Hierarchy) Find(name string) (*Node, bool) {
	var found *Node
	h.Walk(func(n *Node) {
		if found == nil && n.Name == name {
			found = n
		}
	})
	return found, found != nil
}
