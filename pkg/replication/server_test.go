package replication

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerAppliesDiffsOverHTTP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	listener.Close()

	sink := NewMemoryDataset("data")

	server, err := NewServer(ServerCfg{
		Address: address,

		Logger: testLogger{t},

		Sink: sink,
	})
	require.NoError(t, err)

	errorChan := make(chan error, 1)
	require.NoError(t, server.Start(errorChan))
	defer server.Stop()

	source := NewMemoryDataset("data")
	require.NoError(t, source.Put("k1", []byte("v1")))

	engine := newTestEngine(t, source, NewHTTPTransport(address), 10)

	engine.RunCycle()

	jobs := engine.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobStatusSucceeded, jobs[0].Status)

	value, found := sink.Get("k1")
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	// A diff from an unrelated chain does not match the applied chain
	// head and is refused by the sink.
	other := NewMemoryDataset("data")
	require.NoError(t, other.Put("k9", []byte("v9")))

	engine2 := newTestEngine(t, other, NewHTTPTransport(address), 10)
	engine2.RunCycle()

	jobs = engine2.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusFailed, jobs[0].Status,
		"a diff computed from the wrong base must be rejected")
}
