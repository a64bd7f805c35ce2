// Package log provides courier's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. It is backed by logrus so that
// JSON and text output, levels, and hooks behave the same everywhere.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat("text"),
//	    log.WithOutput(os.Stderr),
//	)
//	l = l.With(log.Component("worker"), log.Str("transport", "async"))
//	l.Info("worker started", log.Int("receivers", 2))
//
// Code that does not care about logs accepts a Logger and falls back to
// NewNopLogger when none is configured.
package log
