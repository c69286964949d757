package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	reg := prometheus.NewRegistry()
	require.NoError(Register(reg))
	require.NoError(Register(reg))

	before := testutil.ToFloat64(TokenRefreshes.WithLabelValues(ResultSuccess))
	TokenRefreshes.WithLabelValues(ResultSuccess).Inc()
	assert.Equal(before+1, testutil.ToFloat64(TokenRefreshes.WithLabelValues(ResultSuccess)))

	LoginOutcomes.WithLabelValues(OutcomeFailed).Add(0)
	OnBehalfOfExchanges.WithLabelValues("graph", ResultSuccess).Add(0)
	n, err := testutil.GatherAndCount(reg, "authazure_login_outcomes_total", "authazure_token_refreshes_total", "authazure_obo_exchanges_total")
	require.NoError(err)
	assert.GreaterOrEqual(n, 3)
}
