package discovery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectivityConfig(t *testing.T) {
	raw := `{
		"iceServers": [
			{"urls": "stun:stun.example.org:3478"},
			{"urls": ["turn:turn.example.org"], "username": "u", "credential": "p"}
		],
		"neighbours": ["10.0.0.1:7946"],
		"ignored": true
	}`

	var cfg ConnectivityConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	require.Len(t, cfg.ICEServers, 2)
	require.Equal(t, StringList{"stun:stun.example.org:3478"}, cfg.ICEServers[0].URLs)
	require.Equal(t, StringList{"turn:turn.example.org"}, cfg.ICEServers[1].URLs)
	require.Equal(t, "u", cfg.ICEServers[1].Username)
	require.Equal(t, []string{"10.0.0.1:7946"}, cfg.Neighbours)

	require.Error(t, json.Unmarshal([]byte(`{"iceServers":[{"urls":3}]}`), &cfg))
}
