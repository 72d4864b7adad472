package images

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (m *manager) registerMetrics(meter metric.Meter) error {
	imagesTotal, err := meter.Int64ObservableGauge(
		"nodelab_images_total",
		metric.WithDescription("Total number of catalog images by kind"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			imgs, err := m.ListImages(ctx)
			if err != nil {
				return nil
			}
			var base, overlay int64
			for _, img := range imgs {
				if img.IsBase() {
					base++
				} else {
					overlay++
				}
			}
			o.ObserveInt64(imagesTotal, base, metric.WithAttributes(attribute.String("kind", "base")))
			o.ObserveInt64(imagesTotal, overlay, metric.WithAttributes(attribute.String("kind", "overlay")))
			return nil
		},
		imagesTotal,
	)
	return err
}
