package view

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"mneumonicore/internal/presence"
)

// Participants renders self followed by every collaborator of a snapshot.
type Participants struct {
	Self          presence.Collaborator
	Collaborators []presence.Collaborator
}

func (p Participants) Count() int {
	return 1 + len(p.Collaborators)
}

// Render writes the panel to w. Self always comes first and is marked "(you)".
func (p Participants) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Participants (%d)\n", p.Count())
	fmt.Fprintf(&b, "  %s %s (you)\n", swatch(p.Self.Color), displayName(p.Self))
	for _, c := range p.Collaborators {
		status := ""
		if c.IsTyping {
			status = " ✎"
		}
		fmt.Fprintf(&b, "  %s %s%s\n", swatch(c.Color), displayName(c), status)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func displayName(c presence.Collaborator) string {
	if c.Username != "" {
		return c.Username
	}
	return c.UserID
}

// swatch prints a colored block for a #RRGGBB color using a 24-bit ANSI escape.
func swatch(hex string) string {
	hex = strings.TrimPrefix(hex, "#")
	rgb, err := strconv.ParseUint(hex, 16, 32)
	if len(hex) != 6 || err != nil {
		return "●"
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm●\x1b[0m", rgb>>16&0xff, rgb>>8&0xff, rgb&0xff)
}
