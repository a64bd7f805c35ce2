// Package embedded implements transport.Connection on a work queue stored in
// a local pebble database, for single-host deployments without a broker.
//
// DSN: pebble:///var/lib/courier?queue=jobs&namespace=default&timeout=5&ttr=90&bury_on_reject=1&fsync=interval
//
// Semantics follow the beanstalkd transport: lower priorities are delivered
// first (default 1024), a received message is leased for ttr seconds and
// delivered again if not acknowledged in time, and rejected messages are
// deleted unless bury_on_reject moves them to a dead-letter keyspace.
package embedded
