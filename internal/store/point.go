package store

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// toInfluxPoint converts a typed Point to the client's wire point.
// Timestamps are truncated to second precision so re-ingests of the same
// upstream record land on the store's natural key and overwrite
// deterministically.
func toInfluxPoint(p Point) *write.Point {
	fields := make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	return influxdb2.NewPoint(p.Measurement, p.Tags, fields, p.Time.UTC().Truncate(time.Second))
}
