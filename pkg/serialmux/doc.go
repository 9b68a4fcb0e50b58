// Package serialmux provides an embeddable serial-to-TCP multiplexer.
//
// Each bridge exposes one serial device on one TCP port. Every connected
// client sees the device as if it held it alone: client writes are
// serialized into the device in arrival order and every byte read from the
// device is copied to all clients. If the device faults or is unplugged
// the bridge reopens it with exponential backoff while clients stay
// connected; if it stays away longer than the downtime ceiling all clients
// are disconnected and the server reports ErrDeviceUnavailable.
//
// # Basic Usage
//
//	cfg := serialmux.Config{
//	    Bridges: []serialmux.BridgeConfig{
//	        {Device: "/dev/ttyUSB0,baudrate=115200", ListenAddr: "0.0.0.0:7000"},
//	    },
//	}
//
//	srv, err := serialmux.New(cfg, serialmux.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	select {
//	case <-ctx.Done():
//	case <-srv.Done():
//	    log.Printf("bridge failed: %v", srv.Err())
//	}
//	_ = srv.Stop()
//
// # Device Specs
//
// BridgeConfig.Device takes "path[,key=value...]" with the keys baudrate,
// bytesize, parity (N, E, O, M or S), stopbits and rtscts. Unset keys
// default to 9600 8N1 without flow control.
//
// # Event Handling
//
// Implement [EventHandler], embedding [BaseEventHandler] for no-op
// defaults, and pass it with [WithEventHandler]. Events are delivered
// synchronously from the bridge goroutines and must return quickly.
//
// # Status
//
// [Server.Statuses] reports per-bridge lifecycle state, link state, serial
// connection, active sessions and counters. When Config.StatusAddr is set
// the same data is served over HTTP at /status, with /health and /metrics
// alongside.
package serialmux
