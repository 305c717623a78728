package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/clawup/clawup/internal/progress"
)

const (
	sgrReset = "\x1b[0m"
	sgrDim   = "\x1b[2m"
	sgrRed   = "\x1b[31m"
	sgrGreen = "\x1b[32m"
)

// renderer prints progress events as "[ 42%] message" lines.
type renderer struct {
	w     io.Writer
	color bool
	width int
}

func newRenderer(w io.Writer, color bool, width int) *renderer {
	return &renderer{w: w, color: color, width: width}
}

func (r *renderer) event(ev progress.Event) {
	prefix := fmt.Sprintf("[%3d%%]", ev.Percentage)
	for _, line := range strings.Split(ev.Message, "\n") {
		if r.width > len(prefix)+1 {
			line = ansi.Truncate(line, r.width-len(prefix)-1, "…")
		}
		fmt.Fprintln(r.w, r.paint(prefix, line, ev.Message))
	}
}

func (r *renderer) paint(prefix, line, message string) string {
	if !r.color {
		return prefix + " " + line
	}
	switch {
	case strings.HasPrefix(message, progress.ErrorPrefix):
		return sgrRed + prefix + " " + line + sgrReset
	case strings.HasPrefix(message, progress.SuccessPrefix):
		return sgrGreen + prefix + " " + line + sgrReset
	default:
		return sgrDim + prefix + sgrReset + " " + line
	}
}

// summary prints the access details carried by a successful terminal event.
func (r *renderer) summary(ev progress.Event) {
	url, _ := ev.Extras["url"].(string)
	token, _ := ev.Extras["token"].(string)
	if url == "" && token == "" {
		return
	}
	fmt.Fprintln(r.w)
	if url != "" {
		fmt.Fprintf(r.w, "Gateway URL: %s\n", url)
	}
	if token != "" {
		fmt.Fprintf(r.w, "Auth token:  %s\n", token)
	}
}

func failed(ev progress.Event) bool {
	return strings.HasPrefix(ev.Message, progress.ErrorPrefix)
}
