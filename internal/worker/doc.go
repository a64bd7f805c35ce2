// Package worker runs the consume loop.
//
// A Worker polls its receivers in order and handles at most one message per
// pass, restarting from the first receiver after each message so earlier
// receivers take precedence. A handled message is acknowledged. A failed one
// is passed to the failure listener, announced as event.MessageFailed and
// rejected from its transport; when the listener sent it for retry, the new
// copy is already on the transport at that point.
//
// While a handler runs, the worker calls Keepalive on the message every
// keepalive interval so backends with a lease (beanstalkd ttr, redis pending
// entries, the pebble queue) do not deliver it to another consumer.
package worker
