package session

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fruitsalade/lanshare/pkg/transfer"
)

const (
	barWidth        = 30
	progressRefresh = 150 * time.Millisecond
)

// progress draws a single-line transfer bar, redrawn in place.
type progress struct {
	out   io.Writer
	label string
	start time.Time
	drawn bool
}

func newProgress(out io.Writer, label string) *progress {
	return &progress{out: out, label: label, start: time.Now()}
}

// Func returns a throttled callback for the transfer engine.
func (p *progress) Func() transfer.ProgressFunc {
	return transfer.Throttle(progressRefresh, p.draw)
}

func (p *progress) draw(done, total int64) {
	p.drawn = true
	speed := ""
	if el := time.Since(p.start).Seconds(); el > 0 {
		speed = transfer.FormatSize(int64(float64(done)/el)) + "/s"
	}
	if total <= 0 {
		fmt.Fprintf(p.out, "\r  %-20s %10s  %s   ", truncate(p.label, 20), transfer.FormatSize(done), speed)
		return
	}
	pct := float64(done) / float64(total)
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * barWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)
	fmt.Fprintf(p.out, "\r  %-20s [%s] %5.1f%%  %s / %s  %s   ",
		truncate(p.label, 20), bar, pct*100,
		transfer.FormatSize(done), transfer.FormatSize(total), speed)
}

// Finish ends the bar line if anything was drawn.
func (p *progress) Finish() {
	if p.drawn {
		fmt.Fprintln(p.out)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}
