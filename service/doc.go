// Package service wires the bridge together.
//
// A Bridge is built from a validated config.Config. NewBridge creates the bone
// registry, the sensor link manager, the pose applier and publisher, the viewer hub,
// the optional NATS client and the metrics server, registering every metric with one
// metric.MetricsRegistry. Run starts them under one errgroup and loads the avatar in
// the background; sensor messages that arrive before the registry is populated miss
// their lookup and are dropped.
//
//	b, err := service.NewBridge(cfg, service.WithLogger(logger), service.WithVersion(version))
//	if err != nil {
//		return err
//	}
//	return b.Run(ctx)
//
// Health aggregates the links, the avatar, the viewer hub and NATS. Only an avatar
// that failed to load makes the bridge unhealthy.
package service
