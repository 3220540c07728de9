//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	tc := NewTestClient(t)

	assert.True(t, tc.Client.IsHealthy())
	assert.True(t, tc.Client.Health().IsHealthy())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "avatar.pose", func(_ context.Context, data []byte) {
		got <- data
	}))

	require.NoError(t, tc.Client.Publish(ctx, "avatar.pose", []byte(`{"sequence":1}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"sequence":1}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}
