package board

import (
	"context"
	"os/exec"
	"strings"
)

// Flasher loads a firmware image into a target sitting in its bootloader.
type Flasher interface {
	Flash(ctx context.Context, image string) (output string, err error)
}

// Picotool flashes RP2040 targets with `picotool load -v -x`.
type Picotool struct {
	// Path of the picotool binary; "picotool" is looked up in PATH when empty.
	Path string
}

func (p Picotool) Flash(ctx context.Context, image string) (string, error) {
	bin := p.Path
	if bin == "" {
		bin = "picotool"
	}
	out, err := exec.CommandContext(ctx, bin, "load", "-v", "-x", image).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
