package skeleton

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/qmuntal/gltf"

	"github.com/c360/posebridge/errors"
)

// Load reads a glTF 2.0 asset (.gltf or .glb) and builds its hierarchy.
func Load(path string) (*Hierarchy, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrAssetLoad, err),
			"skeleton", "Load", fmt.Sprintf("open asset %s", path))
	}

	h, err := FromDocument(doc)
	if err != nil {
		return nil, err
	}
	h.Source = path
	return h, nil
}

// FromDocument builds a hierarchy from a decoded glTF document.
// Nodes referenced by any skin become joints.
func FromDocument(doc *gltf.Document) (*Hierarchy, error) {
	if doc == nil {
		return nil, errors.WrapFatal(errors.ErrAssetLoad, "skeleton", "FromDocument", "nil document")
	}

	jointIdx := make(map[int]bool)
	for _, skin := range doc.Skins {
		if skin == nil {
			continue
		}
		for _, j := range skin.Joints {
			jointIdx[j] = true
		}
	}

	for i, n := range doc.Nodes {
		if n == nil {
			continue
		}
		for _, c := range n.Children {
			if c < 0 || c >= len(doc.Nodes) || doc.Nodes[c] == nil {
				return nil, errors.WrapFatal(
					fmt.Errorf("%w: node %d references missing child %d", errors.ErrAssetLoad, i, c),
					"skeleton", "FromDocument", "resolve children")
			}
		}
	}

	built := make(map[int]*Node, len(doc.Nodes))
	var build func(idx int) *Node
	build = func(idx int) *Node {
		if n, ok := built[idx]; ok {
			return n
		}
		src := doc.Nodes[idx]
		node := &Node{Name: src.Name}
		built[idx] = node
		if jointIdx[idx] {
			node.Joint = NewJoint(src.Name, restRotation(src))
		}
		for _, c := range src.Children {
			if _, seen := built[c]; seen {
				continue
			}
			node.Children = append(node.Children, build(c))
		}
		return node
	}

	h := &Hierarchy{}
	for _, idx := range rootIndices(doc) {
		if idx < 0 || idx >= len(doc.Nodes) || doc.Nodes[idx] == nil {
			continue
		}
		if _, seen := built[idx]; seen {
			continue
		}
		h.Roots = append(h.Roots, build(idx))
	}
	return h, nil
}

// rootIndices prefers the default scene, then the first scene, then parentless nodes.
func rootIndices(doc *gltf.Document) []int {
	if doc.Scene != nil && *doc.Scene >= 0 && *doc.Scene < len(doc.Scenes) && doc.Scenes[*doc.Scene] != nil {
		return doc.Scenes[*doc.Scene].Nodes
	}
	if len(doc.Scenes) > 0 && doc.Scenes[0] != nil {
		return doc.Scenes[0].Nodes
	}

	isChild := make(map[int]bool)
	for _, n := range doc.Nodes {
		if n == nil {
			continue
		}
		for _, c := range n.Children {
			isChild[c] = true
		}
	}
	var roots []int
	for i := range doc.Nodes {
		if !isChild[i] {
			roots = append(roots, i)
		}
	}
	return roots
}

// restRotation converts glTF XYZW rotation to a quaternion. Unset rotations are identity.
func restRotation(n *gltf.Node) mgl64.Quat {
	x, y, z, w := float64(n.Rotation[0]), float64(n.Rotation[1]), float64(n.Rotation[2]), float64(n.Rotation[3])
	if x == 0 && y == 0 && z == 0 && w == 0 {
		return mgl64.QuatIdent()
	}
	return mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}.Normalize()
}
