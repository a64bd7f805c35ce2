// Package config loads the courier process configuration: log settings, the
// metrics address, worker settings and the named transports with their DSN,
// connection options and retry policy.
//
// Example:
//
//	cfg, err := config.Load("") // courier.yaml in . or /etc/courier, else defaults
//	if err != nil {
//	    return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
//	rt, err := runtime.Open(ctx, cfg, logger)
//
// A file looks like:
//
//	log:
//	  level: info
//	worker:
//	  keepalive_interval: 30s
//	transports:
//	  async:
//	    dsn: redis://localhost:6379/messages/courier/worker-1
//	    retry:
//	      max_retries: 3
//	      delay: 1s
//	      multiplier: 2
//	      when: 'message_type != "app.Payment"'
package config
