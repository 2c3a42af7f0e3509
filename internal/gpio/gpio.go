// Package gpio provides digital input reading with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the logic level of one input line.
type Reader interface {
	// Level returns true when the line is high.
	Level() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the gpiochip the Raspberry Pi header lines live on.
const DefaultChip = "gpiochip0"
