package telemetry

import (
	"context"
	"fmt"
	"time"

	mexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const exportInterval = time.Minute

// NewMeterProvider builds the provider for the named exporter. "none" returns
// nil and callers keep the global no-op provider.
func NewMeterProvider(ctx context.Context, exporter, projectID, instanceID string) (*sdkmetric.MeterProvider, error) {
	switch exporter {
	case "", "none":
		return nil, nil
	case "gcp":
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", exporter)
	}

	exp, err := mexporter.New(mexporter.WithProjectID(projectID))
	if err != nil {
		return nil, fmt.Errorf("create cloud monitoring exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithAttributes(
			attribute.String("service.name", meterName),
			attribute.String("service.instance.id", instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("detect resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval))),
	), nil
}
