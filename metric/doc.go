// Package metric exposes the bridge's Prometheus metrics and the /health endpoint.
//
// Process-level gauges live in Metrics. Sensor links, the pose applier and the viewer
// hub create their own collectors and register them through MetricsRegistrar, keyed
// by component and metric name:
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(":9090", "/metrics", registry, bridge.Health)
//	go srv.Start()
//	defer srv.Stop(ctx)
package metric
