package metrics

import (
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewRegistersInstrumentsWithoutError(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("flowengine.test")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := New(nil, log, meter, time.Second)
	if err != nil {
		t.Fatalf("unexpected error registering instruments: %v", err)
	}
	if c == nil {
		t.Fatal("expected a non-nil collector")
	}
}

