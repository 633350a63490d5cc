package influx

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

// Config is the InfluxDB slice of the configuration file.
type Config struct {
	Host         string
	Organization string
	Bucket       string
	Token        string
}

// Writer pushes sensor readings as line-protocol points through the
// blocking write API, one point per reading.
type Writer struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewWriter(config Config) *Writer {
	client := influxdb2.NewClient(config.Host, config.Token)
	return &Writer{
		client: client,
		write:  client.WriteAPIBlocking(config.Organization, config.Bucket),
	}
}

func (w *Writer) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error {
	point := influxdb2.NewPoint(measurement, tags, fields, ts)

	err := w.write.WritePoint(ctx, point)
	if err != nil {
		return errors.Wrapf(err, "failed to write point to measurement %q", measurement)
	}
	return nil
}

func (w *Writer) Close() {
	w.client.Close()
}
