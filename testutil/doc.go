// Package testutil provides testing utilities shared by posebridge package tests.
//
// # Core Components
//
// PoseBus - in-memory stand-in for the pose bus client:
//   - Records every published payload per subject
//   - Close makes later publishes fail
//   - No external NATS server required
//
// SensorServer - fake orientation sensor:
//   - httptest server speaking websocket on any path
//   - Counts accepted connections
//   - Sends scripted orientation payloads to each connection
//   - Can drop connections right after the handshake
//
// AvatarDocument - in-memory skinned glTF document with the given joint names, arranged as a
// parent chain under an "Armature" root.
//
// # Test Helpers
//
//   - WaitForMessage / WaitForMessageCount: poll the bus with timeout
//   - AssertNoMessages: nothing arrives during a window
//   - DecodeFrames: unmarshal recorded payloads
//   - Eventually-style waiting is left to testify's require.Eventually
package testutil
