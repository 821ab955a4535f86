package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	SetAcceptedSeq("register-test", 7)
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "sheetwatch_scan_accepted_seq")
}

func TestSourceFlagAndDiffRows(t *testing.T) {
	SetSourceFlag("flag-test", "poisoned", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(SourceFlags.WithLabelValues("flag-test", "poisoned")))
	SetSourceFlag("flag-test", "poisoned", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(SourceFlags.WithLabelValues("flag-test", "poisoned")))

	AddDiffRows("diff-test", 2, 1, 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(DiffRowsTotal.WithLabelValues("diff-test", "added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DiffRowsTotal.WithLabelValues("diff-test", "removed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(DiffRowsTotal.WithLabelValues("diff-test", "changed")))
}

func TestMilliseconds(t *testing.T) {
	assert.Equal(t, 1500.0, ms(1500*time.Millisecond))
	assert.Equal(t, 0.5, ms(500*time.Microsecond))
}
