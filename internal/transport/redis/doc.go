// Package redis implements transport.Connection on a Redis stream read
// through a consumer group.
//
// DSN: redis[s]://[user[:password]@]host[:port][/stream[/group[/consumer]]][?options]
// or redis://[password@]/path/to/redis.sock[?options] for a unix socket.
//
// Entries carry a single "message" field holding {"body": ..., "headers": {...}}.
// Delayed sends are parked in the sorted set "<stream>__queue", scored by due
// time in milliseconds, and moved onto the stream by the next Receive once
// due. Entries left pending by a consumer for longer than redeliver_timeout
// are claimed by the next consumer that scans for them.
package redis
