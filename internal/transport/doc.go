// Package transport defines the queue Connection contract shared by every
// backend, the errors backends report, DSN option decoding, the JSON wire
// document, and the Sender/Receiver adapters that move envelopes over a
// Connection.
//
// Backends live in sub-packages (beanstalkd, redis, embedded) and are picked
// by DSN scheme through the transports package.
//
// Example:
//
//	conn, _ := transports.FromDSN(ctx, "redis://localhost/orders", nil)
//	ser := transport.NewJSONSerializer()
//	sender := transport.NewSender(conn, ser)
//	env, _ := sender.Send(ctx, envelope.New(transport.RawMessage{Body: "hi"}))
package transport
