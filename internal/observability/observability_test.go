package observability

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONFields(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	logger := setup(&buf, "spvswap", "test", "debug")
	logger.Debug("order placed", "id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "order placed", line["message"])
	assert.Equal(t, "DEBUG", line["severity"])
	assert.Equal(t, "spvswap", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.EqualValues(t, 7, line["id"])
	assert.Contains(t, line, "timestamp")

	buf.Reset()
	log.Print("from the standard logger")
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "from the standard logger", line["message"])
	assert.Equal(t, "INFO", line["severity"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestMarketMetrics_Observe(t *testing.T) {
	m := MarketMetrics()
	okBefore := testutil.ToFloat64(m.operations.WithLabelValues("metrics_test", OutcomeOK))
	invBefore := testutil.ToFloat64(m.invariants.WithLabelValues("metrics_test"))

	m.Observe("metrics_test", OutcomeOK)
	m.Observe("metrics_test", OutcomeRejected)
	m.Observe("metrics_test", OutcomeInvariant)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(m.operations.WithLabelValues("metrics_test", OutcomeOK)))
	assert.Equal(t, invBefore+1, testutil.ToFloat64(m.invariants.WithLabelValues("metrics_test")))

	var nilMetrics *marketMetrics
	nilMetrics.Observe("metrics_test", OutcomeOK)
}

func TestRelayMetrics_SetTip(t *testing.T) {
	RelayMetrics().SetTip(812345)
	assert.Equal(t, float64(812345), testutil.ToFloat64(RelayMetrics().tip))
}
