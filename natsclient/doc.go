// Package natsclient wraps a core NATS connection for the pose bus.
//
// The bridge only publishes: each pose frame goes out as JSON on one subject
// (avatar.pose by default). Connect retries on a short schedule at startup; after
// that the nats library handles reconnects and the client tracks the state for
// health reporting.
//
//	client, err := natsclient.NewClient("nats://localhost:4222", natsclient.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	sink := pose.NewNATSSink(client, "avatar.pose")
//
// TestClient (integration build tag) starts a NATS server in a container for tests.
package natsclient
