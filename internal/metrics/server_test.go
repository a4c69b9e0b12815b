package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesRegistry(t *testing.T) {
	OriginEntries.Set(2)
	KernelEventsTotal.WithLabelValues("new", "not_me").Inc()

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ctsync_origin_entries 2")
	assert.Contains(t, string(body), `ctsync_kernel_events_total{origin="not_me",type="new"}`)
}

func TestServer_StopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "/m").Stop(context.Background()))
	assert.Nil(t, NewServer(":0", "/m").Addr())
}
