package tui

import (
	"fmt"
	"io"

)

// PrintBanner outputs the Lattice ASCII art banner.
func (p *Printer) PrintBanner() {
	// Teal to indigo, one color per line
	lines := []struct {
		text, color string
	}{
		{"  _          _   _   _          ", "#2dd4bf"},
		{" | |    __ _| |_| |_(_) ___ ___ ", "#22d3ee"},
		{" | |   / _` | __| __| |/ __/ _ \\", "#38bdf8"},
		{" | |__| (_| | |_| |_| | (_|  __/", "#60a5fa"},
		{" |_____\\__,_|\\__|\\__|_|\\___\\___|", "#818cf8"},
	}

	fmt.Fprintln(p.out)
	for _, l := range lines {
		fmt.Fprintln(p.out, p.profile.String(l.text).Foreground(p.profile.Color(l.color)))
	}
	fmt.Fprintln(p.out)
}

// Writer returns the destination of the printer.
func (p *Printer) Writer() io.Writer {
	return p.out
}
