package sentinel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	holder := testHolder()
	logger := testLogger()
	engine := NewEngine(NewInMemoryStore(), holder, logger)
	t.Cleanup(engine.Stop)
	return NewServer(engine, logger).App()
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func trafficBody(target string, offset time.Duration, requests float64) map[string]any {
	ts := time.Now().UTC().Add(offset)
	return map[string]any{
		"targetId":     target,
		"interval":     "5m",
		"timestamp":    ts.Format(time.RFC3339Nano),
		"bandwidthIn":  1000.0,
		"packetsIn":    500.0,
		"requestTotal": requests,
		"latencyAvg":   10.0,
	}
}

func seedSteadyTraffic(t *testing.T, app *fiber.App, target string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		resp := postJSON(t, app, "/traffic/analyze", trafficBody(target, -time.Duration(n-i)*5*time.Minute, 100))
		require.Equal(t, 200, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestAnalyzeValidation(t *testing.T) {
	app := newTestApp(t)

	resp := postJSON(t, app, "/traffic/analyze", map[string]any{
		"targetId": "web-1",
		"interval": "2m", // not a supported interval
	})
	assert.Equal(t, 400, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, app, "/traffic/analyze", map[string]any{
		"targetId":    "web-1",
		"interval":    "5m",
		"bandwidthIn": 100.0,
		// packetsIn and requestTotal missing
	})
	assert.Equal(t, 400, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeRejectsDuplicateSample(t *testing.T) {
	app := newTestApp(t)
	body := trafficBody("web-1", -time.Minute, 100)

	resp := postJSON(t, app, "/traffic/analyze", body)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, app, "/traffic/analyze", body)
	assert.Equal(t, 409, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeQuietBeforeBaseline(t *testing.T) {
	app := newTestApp(t)

	// Huge numbers, but no baseline yet: must not be anomalous.
	resp := postJSON(t, app, "/traffic/analyze", map[string]any{
		"targetId":     "web-1",
		"interval":     "5m",
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		"bandwidthIn":  1e9,
		"packetsIn":    1e9,
		"requestTotal": 1e9,
	})
	require.Equal(t, 200, resp.StatusCode)
	body := decode(t, resp)
	assert.NotEmpty(t, body["recordId"])
	analysis := body["analysis"].(map[string]any)
	assert.Equal(t, false, analysis["isAnomalous"])
}

func TestDetectAttackEndToEnd(t *testing.T) {
	app := newTestApp(t)
	seedSteadyTraffic(t, app, "web-1", 10)

	// First spike: requests at 5x the average against the 3x threshold.
	spike := trafficBody("web-1", -2*time.Minute, 500)
	spike["sourceIps"] = []string{"203.0.113.7"}
	resp := postJSON(t, app, "/attacks/detect", spike)
	require.Equal(t, 200, resp.StatusCode)
	first := decode(t, resp)
	require.Equal(t, true, first["isAttack"], "spike must be detected: %v", first)

	attack := first["attack"].(map[string]any)
	attackID := attack["attackId"].(string)
	assert.Equal(t, string(StatusDetected), attack["status"])
	assert.Equal(t, string(AttackApplication), attack["type"])
	assert.Equal(t, string(AttackApplication), first["type"])
	assert.Greater(t, first["confidence"].(float64), 0.0)

	// Second consecutive spike escalates the same attack to active.
	spike2 := trafficBody("web-1", -time.Minute, 520)
	resp = postJSON(t, app, "/attacks/detect", spike2)
	require.Equal(t, 200, resp.StatusCode)
	second := decode(t, resp)
	attack2 := second["attack"].(map[string]any)
	assert.Equal(t, attackID, attack2["attackId"], "consecutive anomalies must merge into one attack")
	assert.Equal(t, string(StatusActive), attack2["status"])

	// The attack is visible through the read endpoints.
	resp = getJSON(t, app, "/attacks/active")
	require.Equal(t, 200, resp.StatusCode)
	active := decode(t, resp)
	assert.Equal(t, float64(1), active["count"])

	resp = getJSON(t, app, "/attacks/"+attackID)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
}

func TestDetectNormalTrafficIsNotAttack(t *testing.T) {
	app := newTestApp(t)
	seedSteadyTraffic(t, app, "web-1", 10)

	resp := postJSON(t, app, "/attacks/detect", trafficBody("web-1", -time.Minute, 110))
	require.Equal(t, 200, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["isAttack"])
	assert.Nil(t, body["attack"])
}

func TestMitigateAndResolveFlow(t *testing.T) {
	app := newTestApp(t)
	seedSteadyTraffic(t, app, "web-1", 10)

	resp := postJSON(t, app, "/attacks/detect", trafficBody("web-1", -time.Minute, 500))
	require.Equal(t, 200, resp.StatusCode)
	detected := decode(t, resp)
	require.Equal(t, true, detected["isAttack"])
	attackID := detected["attack"].(map[string]any)["attackId"].(string)

	resp = postJSON(t, app, fmt.Sprintf("/attacks/%s/mitigate", attackID), map[string]any{
		"actions": []map[string]any{
			{"actionType": "block_ip", "target": "203.0.113.7"},
		},
	})
	require.Equal(t, 200, resp.StatusCode)
	mitigated := decode(t, resp)
	actions := mitigated["actions"].([]any)
	require.Len(t, actions, 1)
	action := actions[0].(map[string]any)
	assert.Equal(t, string(ResultApplied), action["result"])
	assert.Equal(t, ActorOperator, action["appliedBy"])
	assert.Equal(t, string(StatusMitigating), mitigated["attack"].(map[string]any)["status"])

	resp = postJSON(t, app, fmt.Sprintf("/attacks/%s/resolve", attackID), nil)
	require.Equal(t, 200, resp.StatusCode)
	resolved := decode(t, resp)
	assert.Equal(t, string(StatusResolved), resolved["status"])

	// Resolving twice is a state conflict.
	resp = postJSON(t, app, fmt.Sprintf("/attacks/%s/resolve", attackID), nil)
	assert.Equal(t, 409, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimitedTargetGets429(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mitigation.RateLimitRPM = 1
	logger := testLogger()
	engine := NewEngine(NewInMemoryStore(), NewConfigHolder(cfg), logger)
	t.Cleanup(engine.Stop)
	app := NewServer(engine, logger).App()

	seedSteadyTraffic(t, app, "web-1", 10)
	resp := postJSON(t, app, "/attacks/detect", trafficBody("web-1", -3*time.Minute, 500))
	require.Equal(t, 200, resp.StatusCode)
	detected := decode(t, resp)
	require.Equal(t, true, detected["isAttack"])
	attackID := detected["attack"].(map[string]any)["attackId"].(string)

	resp = postJSON(t, app, fmt.Sprintf("/attacks/%s/mitigate", attackID), map[string]any{
		"actions": []map[string]any{{"actionType": "rate_limit", "target": "web-1"}},
	})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	// The armed limit admits one request per minute; the next one trips it.
	resp = postJSON(t, app, "/traffic/analyze", trafficBody("web-1", -2*time.Minute, 100))
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, app, "/traffic/analyze", trafficBody("web-1", -90*time.Second, 100))
	assert.Equal(t, 429, resp.StatusCode)
	resp.Body.Close()

	// Resolving the attack lifts the limit.
	resp = postJSON(t, app, fmt.Sprintf("/attacks/%s/resolve", attackID), nil)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, app, "/traffic/analyze", trafficBody("web-1", -time.Minute, 100))
	assert.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
}

func TestMitigateUnknownAttack(t *testing.T) {
	app := newTestApp(t)
	resp := postJSON(t, app, "/attacks/nope/mitigate", map[string]any{
		"actions": []map[string]any{{"actionType": "block_ip", "target": "203.0.113.7"}},
	})
	assert.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()
}

func TestBaselineEndpoint(t *testing.T) {
	app := newTestApp(t)
	seedSteadyTraffic(t, app, "web-1", 10)

	resp := getJSON(t, app, "/traffic/baseline?targetId=web-1&interval=5m")
	require.Equal(t, 200, resp.StatusCode)
	baseline := decode(t, resp)
	assert.Equal(t, float64(10), baseline["sampleCount"])
	thresholds := baseline["thresholds"].(map[string]any)
	assert.InDelta(t, 300, thresholds["requests"].(float64), 1e-6)

	resp = getJSON(t, app, "/traffic/baseline?targetId=web-1&interval=5m&hours=24")
	require.Equal(t, 200, resp.StatusCode)
	windowed := decode(t, resp)
	assert.Equal(t, float64(24), windowed["windowHours"])

	resp = getJSON(t, app, "/traffic/baseline?interval=bogus")
	assert.Equal(t, 400, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)
	resp := getJSON(t, app, "/healthz")
	require.Equal(t, 200, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
}
