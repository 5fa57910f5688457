package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRequestShutdown checks the shutdown sequence of an interceptor and that
// only one may be created.
func TestRequestShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)
	require.True(t, interceptor.Listening())
	require.True(t, interceptor.Alive())

	_, err = Intercept()
	require.Error(t, err)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel not closed")
	}
	require.False(t, interceptor.Listening())
	require.False(t, interceptor.Alive())

	// Requests after shutdown do not block.
	interceptor.RequestShutdown()
}
