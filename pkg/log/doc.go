// Package log provides a logging abstraction for serialmux components.
//
// Components depend on the Logger interface. A zerolog adapter is provided
// for production use and a no-op logger for tests:
//
//	zl, closer, err := log.Setup(log.DefaultOptions(), "serialmux")
//	if err != nil { ... }
//	defer closer.Close()
//	logger := log.NewZerologAdapterWithLogger(zl)
//
// Setup can mirror output into a rotating file (lumberjack) in addition to
// stderr, using either console or JSON encoding.
package log
