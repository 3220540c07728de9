// Package retry provides backoff schedules and retry loops for transient failures.
//
// # Overview
//
// Two shapes of retry are supported. Do runs an operation until it succeeds, the attempt budget
// runs out, or the context ends. Long-lived loops that manage their own connection (sensor links)
// only need the schedule itself: Config.Delay and Config.Exhausted.
//
// # Configuration Presets
//
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Fixed(d): unbounded, constant delay d, no jitter (sensor reconnects)
//
// # Usage Examples
//
// Startup connection with quick retries:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Reconnect loop driven by a schedule:
//
//	policy := retry.Fixed(3 * time.Second)
//	for failures := 1; !policy.Exhausted(failures); failures++ {
//	    runConnection()
//	    if err := retry.Wait(ctx, policy.Delay(failures)); err != nil {
//	        return err
//	    }
//	}
//
// Errors wrapped with NonRetryable end Do at once; the NATS client uses it for rejected
// credentials.
//
// # Context Cancellation
//
// All retry operations respect context cancellation and will immediately stop retrying
// when the context is cancelled, either during operation execution or during backoff delay.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The jitter mechanism uses a thread-safe
// random source to avoid contention.
package retry
