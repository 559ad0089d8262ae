package sentinel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

func testLogger() *log.Logger {
	return &log.Logger{
		Level:  log.ErrorLevel,
		Writer: &log.IOWriter{Writer: io.Discard},
	}
}

func testHolder() *ConfigHolder {
	return NewConfigHolder(DefaultConfig())
}

// seedBaseline inserts n steady samples one minute apart, ending in the
// recent past, so baselines compute with a known mean.
func seedBaseline(t *testing.T, store Store, targetID string, n int, bandwidth, packets, requests, latency float64) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		sample := &TrafficSample{
			ID:           uuid.NewString(),
			TargetID:     targetID,
			Interval:     Interval5m,
			Timestamp:    now.Add(-time.Duration(n-i) * time.Minute),
			BandwidthIn:  bandwidth,
			PacketsIn:    packets,
			RequestTotal: requests,
			LatencyAvg:   latency,
		}
		if err := store.InsertSample(context.Background(), sample); err != nil {
			t.Fatalf("failed to seed sample %d: %v", i, err)
		}
	}
}
