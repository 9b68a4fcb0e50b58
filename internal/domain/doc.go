// Package domain holds the error taxonomy and shared state types of the
// serial multiplexer. It has no dependencies on other serialmux packages.
package domain
