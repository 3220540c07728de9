// Package posebridge drives a rigged avatar from wearable orientation sensors.
//
// Each sensor serves a websocket on port 81 and streams JSON messages of the form
//
//	{"label": "RFA", "quaternion": [w, x, y, z]}
//
// posebridge keeps one connection per configured sensor, retrying 3 seconds after
// every close, forever. Each message is validated and the joint named by the
// message's own label is slerped 25% of the way toward the reported rotation. The
// resulting pose is streamed to viewers over a websocket and, optionally, published
// on a NATS subject.
//
// # Architecture
//
//	┌──────────┐ ┌──────────┐       ┌──────────┐
//	│ sensor RFA│ │ sensor RA│  ...  │ sensor H │   ws://<addr>:81/
//	└────┬─────┘ └────┬─────┘       └────┬─────┘
//	     │            │                  │
//	┌────┴────────────┴──────────────────┴─────┐
//	│      input/sensor (Manager, one Link      │  connect, read, wait 3s,
//	│      per sensor, reconnect forever)       │  reconnect
//	└─────────────────────┬─────────────────────┘
//	                      │ payload
//	┌─────────────────────┴─────────────────────┐
//	│   pose.Applier: orientation.Decode,        │  validate, look up by
//	│   bone.Registry lookup, slerp 0.25         │  message label, smooth
//	└─────────────────────┬─────────────────────┘
//	                      │ touch
//	┌─────────────────────┴─────────────────────┐
//	│   pose.Publisher (frame rate, coalesced)   │
//	└───────────┬─────────────────────┬─────────┘
//	            ↓                     ↓
//	┌──────────────────────┐  ┌──────────────────┐
//	│ output/websocket Hub │  │ NATS avatar.pose │
//	│ :8090/pose viewers   │  │ (optional)       │
//	└──────────────────────┘  └──────────────────┘
//
// The avatar (a glTF asset) loads in the background at start; skeleton builds its
// joint hierarchy and bone.Registry maps sensor labels to joints. Messages that arrive
// before that finishes are dropped by failed lookups.
//
// # Packages
//
//   - config: defaults, JSON/YAML layers, POSEBRIDGE_* overrides
//   - input/sensor: sensor links and their manager
//   - orientation: message decoding and quaternion smoothing
//   - skeleton, bone: avatar hierarchy and the label to joint registry
//   - pose: applying messages and publishing frames
//   - output/websocket: the viewer hub
//   - natsclient: the optional pose bus
//   - metric, health: Prometheus metrics and the /health endpoint
//   - service: the Bridge that wires everything together
//   - cmd/posebridge: the executable
package posebridge
