package testutil

import (
	"github.com/qmuntal/gltf"
)

// AvatarDocument builds a skinned glTF document. Every name in joints becomes a skin joint,
// chained parent to child under a non-joint "Armature" root. Names in extras are added as plain
// (non-joint) children of the root.
func AvatarDocument(joints []string, extras ...string) *gltf.Document {
	doc := &gltf.Document{
		Asset: gltf.Asset{Version: "2.0", Generator: "posebridge-testutil"},
	}

	root := &gltf.Node{Name: "Armature", Rotation: [4]float64{0, 0, 0, 1}}
	doc.Nodes = append(doc.Nodes, root)

	skin := &gltf.Skin{Name: "Avatar"}
	parent := 0
	for _, name := range joints {
		idx := len(doc.Nodes)
		doc.Nodes = append(doc.Nodes, &gltf.Node{Name: name, Rotation: [4]float64{0, 0, 0, 1}})
		doc.Nodes[parent].Children = append(doc.Nodes[parent].Children, idx)
		skin.Joints = append(skin.Joints, idx)
		parent = idx
	}
	for _, name := range extras {
		idx := len(doc.Nodes)
		doc.Nodes = append(doc.Nodes, &gltf.Node{Name: name, Rotation: [4]float64{0, 0, 0, 1}})
		root.Children = append(root.Children, idx)
	}
	if len(skin.Joints) > 0 {
		doc.Skins = append(doc.Skins, skin)
	}

	scene := 0
	doc.Scenes = []*gltf.Scene{{Name: "Scene", Nodes: []int{0}}}
	doc.Scene = &scene
	return doc
}

// MixamoJoints is the joint set of the reference avatar, spine to extremities.
var MixamoJoints = []string{
	"mixamorigHips",
	"mixamorigSpine",
	"mixamorigSpine1",
	"mixamorigSpine2",
	"mixamorigNeck",
	"mixamorigHead",
	"mixamorigLeftArm",
	"mixamorigLeftForeArm",
	"mixamorigRightArm",
	"mixamorigRightForeArm",
	"mixamorigLeftUpLeg",
	"mixamorigLeftLeg",
	"mixamorigRightUpLeg",
	"mixamorigRightLeg",
}
