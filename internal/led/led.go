// Package led abstracts the SenseHAT LED matrix for the display command.
// Framebuffer access is hardware-specific; hosts without the HAT use Null.
package led

import "log/slog"

// Display shows short text on the LED matrix.
type Display interface {
	Show(text string) error
}

// Null is the display used when no LED hardware is present.
type Null struct {
	Logger *slog.Logger
}

func (n Null) Show(text string) error {
	if n.Logger != nil {
		n.Logger.Debug("no led matrix present, dropping display request", "text", text)
	}
	return nil
}
