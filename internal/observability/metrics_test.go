package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(reg) })
	assert.Panics(t, func() { MustRegister(reg) })

	DTLSHandshakesTotal.WithLabelValues("server", ResultSuccess).Inc()
	DTLSDatagramsTotal.WithLabelValues(DirectionIn).Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "hopdtls_handshakes_total")
	assert.Contains(t, names, "hopdtls_datagrams_total")
	assert.Contains(t, names, "hopdtls_server_sessions")
}

func TestEvictionCounter(t *testing.T) {
	c := DTLSSessionEvictionsTotal.WithLabelValues(EvictDecrypt)
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
