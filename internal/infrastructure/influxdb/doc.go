// Package influxdb is the optional metrics sink. The supervisor feeds
// it callback throughput and queue-depth gauges; writes are batched
// and non-blocking so a slow or absent server never stalls the
// pipeline.
package influxdb
