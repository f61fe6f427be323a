package namespace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTripJSON(t *testing.T, cfg BootstrapConfig) BootstrapConfig {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	var out BootstrapConfig
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}
