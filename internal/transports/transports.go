// Package transports selects a transport backend by DSN scheme.
package transports

import (
	"context"
	"sort"
	"strings"

	"github.com/rzbill/courier/internal/transport"
	"github.com/rzbill/courier/internal/transport/beanstalkd"
	"github.com/rzbill/courier/internal/transport/embedded"
	"github.com/rzbill/courier/internal/transport/memory"
	"github.com/rzbill/courier/internal/transport/redis"
)

// Factory builds a connection for one scheme.
type Factory func(ctx context.Context, dsn string, options map[string]interface{}) (transport.Connection, error)

var factories = map[string]Factory{
	beanstalkd.Scheme: func(_ context.Context, dsn string, opts map[string]interface{}) (transport.Connection, error) {
		return connOrNil(beanstalkd.FromDSN(dsn, opts))
	},
	redis.Scheme:    redisFactory,
	redis.TLSScheme: redisFactory,
	embedded.Scheme: func(_ context.Context, dsn string, opts map[string]interface{}) (transport.Connection, error) {
		return connOrNil(embedded.FromDSN(dsn, opts))
	},
	memory.Scheme: func(_ context.Context, dsn string, opts map[string]interface{}) (transport.Connection, error) {
		return connOrNil(memory.FromDSN(dsn, opts))
	},
}

func redisFactory(ctx context.Context, dsn string, opts map[string]interface{}) (transport.Connection, error) {
	return connOrNil(redis.FromDSN(ctx, dsn, opts))
}

// connOrNil keeps a failed constructor's typed nil out of the interface.
func connOrNil[C transport.Connection](conn C, err error) (transport.Connection, error) {
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Schemes lists the supported DSN schemes, sorted.
func Schemes() []string {
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FromDSN builds the connection for dsn's scheme. Unsupported schemes are a
// *transport.ConfigError.
func FromDSN(ctx context.Context, dsn string, options map[string]interface{}) (transport.Connection, error) {
	scheme := transport.Scheme(dsn)
	f, ok := factories[scheme]
	if !ok {
		return nil, transport.ConfigErrorf("No transport supports the given DSN %q. Supported schemes are [%s].",
			redactDSN(dsn), strings.Join(Schemes(), ", "))
	}
	return f(ctx, dsn, options)
}

// redactDSN drops credentials before a DSN ends up in an error message.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = "***@" + rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
