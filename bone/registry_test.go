package bone

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posebridge/skeleton"
	"github.com/c360/posebridge/testutil"
)

func loadAvatar(t *testing.T, joints []string, extras ...string) *skeleton.Hierarchy {
	t.Helper()
	h, err := skeleton.FromDocument(testutil.AvatarDocument(joints, extras...))
	require.NoError(t, err)
	return h
}

func TestPopulate_AllDefaultLabels(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	r := NewRegistry(nil, logger)
	h := loadAvatar(t, testutil.MixamoJoints)

	n := r.Populate(h)
	assert.Equal(t, len(DefaultLabels), n)

	for label, jointName := range DefaultLabels {
		j, ok := r.Lookup(label)
		require.True(t, ok, "label %s", label)
		assert.Equal(t, jointName, j.Name())

		node, found := h.Find(jointName)
		require.True(t, found)
		assert.Same(t, node.Joint, j, "registry must hold the asset's joint, not a copy")
	}

	// One diagnostic per mapping
	assert.Equal(t, len(DefaultLabels), strings.Count(logs.String(), "Mapped sensor label to joint"))
}

func TestPopulate_AbsentJointLeavesLabelUnmapped(t *testing.T) {
	r := NewRegistry(nil, nil)
	n := r.Populate(loadAvatar(t, []string{"mixamorigHips", "mixamorigRightForeArm", "mixamorigHead"}))

	assert.Equal(t, 2, n)

	_, ok := r.Lookup("RFA")
	assert.True(t, ok)
	_, ok = r.Lookup("H")
	assert.True(t, ok)

	j, ok := r.Lookup("RA")
	assert.False(t, ok)
	assert.Nil(t, j)

	_, ok = r.Lookup("not-a-label")
	assert.False(t, ok)

	assert.Equal(t, []string{"H", "RFA"}, r.Labels())
	assert.Equal(t, []string{"LA", "RA"}, r.Missing([]string{"RA", "RFA", "LA"}))
}

func TestPopulate_IgnoresNonJointNodes(t *testing.T) {
	r := NewRegistry(nil, nil)
	// Head exists only as a plain node, not as a skin joint
	n := r.Populate(loadAvatar(t, []string{"mixamorigHips"}, "mixamorigHead"))

	assert.Zero(t, n)
	_, ok := r.Lookup("H")
	assert.False(t, ok)
}

func TestLookup_BeforePopulate(t *testing.T) {
	r := NewRegistry(nil, nil)

	_, ok := r.Lookup("RFA")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assert.True(t, r.Known("RFA"))
	assert.False(t, r.Known("XYZ"))
}

func TestPopulate_ReloadReplacesMappings(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Populate(loadAvatar(t, []string{"mixamorigRightForeArm", "mixamorigRightArm"}))
	require.Equal(t, 2, r.Len())

	h := loadAvatar(t, []string{"mixamorigHead"})
	r.Populate(h)

	_, ok := r.Lookup("RFA")
	assert.False(t, ok)
	head, ok := r.Lookup("H")
	require.True(t, ok)
	assert.Same(t, h.Joints()[0], head)
}

func TestCustomTable_SharedJoint(t *testing.T) {
	r := NewRegistry(map[string]string{
		"CHEST": "mixamorigSpine2",
		"SP2":   "mixamorigSpine2",
	}, nil)

	r.Populate(loadAvatar(t, testutil.MixamoJoints))

	a, ok := r.Lookup("CHEST")
	require.True(t, ok)
	b, ok := r.Lookup("SP2")
	require.True(t, ok)
	assert.Same(t, a, b)

	_, ok = r.Lookup("RFA")
	assert.False(t, ok, "labels outside the custom table are unknown")
}
