// Package e2e runs planboard days against real backing services started with
// testcontainers.
package e2e

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/domain"
)

// InfluxClient reads back the points a metrics sink wrote to one bucket of
// an organisation.
type InfluxClient struct {
	org    string
	client influxdb2.Client
	query  api.QueryAPI
}

func NewInfluxClient(url, org, token string) *InfluxClient {
	c := influxdb2.NewClient(url, token)
	return &InfluxClient{org: org, client: c, query: c.QueryAPI(org)}
}

// CreateBucket adds a bucket expiring its points after retention. The
// organisation must exist.
func (c *InfluxClient) CreateBucket(ctx context.Context, name string, retention time.Duration) error {
	org, err := c.client.OrganizationsAPI().FindOrganizationByName(ctx, c.org)
	if err != nil {
		return fmt.Errorf("find org %s: %w", c.org, err)
	}
	rule := domain.RetentionRule{EverySeconds: int64(retention / time.Second)}
	if _, err := c.client.BucketsAPI().CreateBucketWithName(ctx, org, name, rule); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

// Count returns how many records of measurement in bucket are stamped after
// since, narrowed to one field when field is set.
func (c *InfluxClient) Count(ctx context.Context, bucket, measurement, field string, since time.Time) (int, error) {
	flux := fmt.Sprintf(`from(bucket:%q) |> range(start: %s) |> filter(fn: (r) => r._measurement == %q)`,
		bucket, since.UTC().Format(time.RFC3339), measurement)
	if field != "" {
		flux += fmt.Sprintf(` |> filter(fn: (r) => r._field == %q)`, field)
	}
	res, err := c.query.Query(ctx, flux)
	if err != nil {
		return 0, err
	}
	defer res.Close()
	n := 0
	for res.Next() {
		n++
	}
	return n, res.Err()
}

func (c *InfluxClient) Close() { c.client.Close() }
