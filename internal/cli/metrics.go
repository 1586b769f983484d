package cli

import (
	"context"
	"io"

	"github.com/leadflow/leadflow/internal/config"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// newMeterProvider builds the MeterProvider selected by metrics.exporter.
// It returns nil when metrics are disabled.
func newMeterProvider(cfg *config.Config, w io.Writer) (*sdkmetric.MeterProvider, error) {
	if cfg.Metrics.Exporter != config.StdoutMetrics {
		return nil, nil
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "create stdout metrics exporter")
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Metrics.Interval)),
	))
	otel.SetMeterProvider(mp)
	return mp, nil
}

// shutdownMeterProvider flushes pending data points before exit.
func shutdownMeterProvider(mp *sdkmetric.MeterProvider) error {
	if mp == nil {
		return nil
	}
	return mp.Shutdown(context.Background())
}
