// Package lifecycle provides the start/stop state machine and reconnect
// backoff shared by multiplexers and the server that owns them.
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Stopping, Crashed
//   - Running -> Stopping, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
//
// Workers started with [DefaultManager.Go] are awaited by
// [DefaultManager.WaitWithTimeout], which bounds shutdown.
//
// # Backoff
//
// [Backoff] doubles from an initial delay up to a cap, with ±20% jitter:
//
//	b := lifecycle.NewBackoff(500*time.Millisecond, 10*time.Second)
//	delay := b.Next()
package lifecycle
