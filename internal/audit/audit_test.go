package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/shield/internal/config"
)

func TestProductionEventsAreJSONLines(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf, config.EnvProduction)

	a.Decision(context.Background(), EventRateLimitBlocked, "ip:1.2.3.4", ActionDeny, 0)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, EventRateLimitBlocked, ev["event_type"])
	assert.Equal(t, "ip:1.2.3.4", ev["client_id"])
	assert.Equal(t, ActionDeny, ev["action"])
	assert.Equal(t, float64(0), ev["remaining_tokens"])
	assert.Equal(t, "INFO", ev["level"])
	assert.Contains(t, ev, "time")
}

func TestFailOpenIsWarnNotError(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf, config.EnvProduction)

	a.Decision(context.Background(), EventRateLimitFailOpen, "ip:1.2.3.4", ActionAllow, -1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "WARN", ev["level"])
	assert.Equal(t, ActionAllow, ev["action"])
}

func TestDevelopmentEventsAreHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf, config.EnvDevelopment)

	a.Decision(context.Background(), EventRateLimitAllowed, "user:alice", ActionAllow, 42)

	out := buf.String()
	assert.Contains(t, out, "rate_limit_allowed")
	assert.Contains(t, out, "client_id=user:alice")
	assert.Contains(t, out, "remaining_tokens=42")
	// Not JSON
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestMaliciousClientEvent(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf, config.EnvProduction)

	a.MaliciousClient(context.Background(), "ip:2.2.2.2", 10, 600)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, EventMaliciousClient, ev["event_type"])
	assert.Equal(t, float64(10), ev["violations"])
	assert.Equal(t, float64(600), ev["ban_seconds"])
}

func TestSystemEventCarriesInstanceID(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf, config.EnvProduction)

	a.System(context.Background(), EventServerStarted)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, a.InstanceID(), ev["instance_id"])
}
