package main

import (
	"fmt"
	"math"
	"time"

	"github.com/nsf/termbox-go"

	"irconv/dsp"
)

const (
	levelStep   = 0.05
	redrawEvery = 50 * time.Millisecond
	meterWidth  = 60
	meterFloor  = -96.0
	meterCeil   = 6.0
	pageStep    = 10
)

// control is one row of the parameter list. step is called with -1 or +1
// for Left/Right and with 0 for Enter.
type control struct {
	label string
	value func(*console) string
	step  func(*console, int)
}

// console is the terminal UI state. Key handling is separate from drawing
// so it runs without a terminal.
type console struct {
	reverb  *dsp.ConvolutionReverb
	stream  *reverbStream
	library []byte
	irs     []dsp.IRIndexEntry

	row      int
	browsing bool
	cursor   int // highlighted entry while browsing
	status   string
	quit     bool
}

var controls = []control{
	{
		label: "Impulse Response",
		value: func(c *console) string {
			_, name := c.reverb.CurrentIR()
			return shorten(name, 30, "(none)")
		},
		step: func(c *console, _ int) { c.openBrowser() },
	},
	{
		label: "Wet",
		value: func(c *console) string { return fmt.Sprintf("%.2f", c.reverb.GetWetLevel()) },
		step: func(c *console, dir int) {
			c.reverb.SetWetLevel(c.reverb.GetWetLevel() + float64(dir)*levelStep)
		},
	},
	{
		label: "Dry",
		value: func(c *console) string { return fmt.Sprintf("%.2f", c.reverb.GetDryLevel()) },
		step: func(c *console, dir int) {
			c.reverb.SetDryLevel(c.reverb.GetDryLevel() + float64(dir)*levelStep)
		},
	},
	{
		label: "Bypass",
		value: func(c *console) string { return onOff(c.reverb.Bypassed()) },
		step:  func(c *console, _ int) { c.toggleBypass() },
	},
	{
		label: "Input paused",
		value: func(c *console) string { return onOff(c.stream.Paused()) },
		step:  func(c *console, _ int) { c.togglePause() },
	},
}

func runTUI(reverb *dsp.ConvolutionReverb, stream *reverbStream, library []byte, irs []dsp.IRIndexEntry) {
	if err := termbox.Init(); err != nil {
		//nolint:forbidigo // TUI initialization error requires direct output
		fmt.Printf("Failed to initialize TUI: %v\n", err)
		return
	}
	defer termbox.Close()

	termbox.SetInputMode(termbox.InputEsc)

	c := &console{reverb: reverb, stream: stream, library: library, irs: irs}

	events := make(chan termbox.Event)

	go func() {
		for {
			events <- termbox.PollEvent()
		}
	}()

	ticker := time.NewTicker(redrawEvery)
	defer ticker.Stop()

	for !c.quit {
		c.draw()

		select {
		case ev := <-events:
			if ev.Type == termbox.EventKey {
				c.handleKey(ev)
			}
		case <-ticker.C:
		}
	}
}

func (c *console) handleKey(ev termbox.Event) {
	if c.browsing {
		c.browseKey(ev)
		return
	}

	switch {
	case ev.Key == termbox.KeyEsc || ev.Ch == 'q':
		c.quit = true
	case ev.Ch == 'b':
		c.toggleBypass()
	case ev.Key == termbox.KeySpace:
		c.togglePause()
	case ev.Key == termbox.KeyArrowUp:
		c.row = (c.row + len(controls) - 1) % len(controls)
	case ev.Key == termbox.KeyArrowDown:
		c.row = (c.row + 1) % len(controls)
	case ev.Key == termbox.KeyArrowLeft:
		controls[c.row].step(c, -1)
	case ev.Key == termbox.KeyArrowRight:
		controls[c.row].step(c, 1)
	case ev.Key == termbox.KeyEnter:
		controls[c.row].step(c, 0)
	}
}

func (c *console) toggleBypass() { c.reverb.SetBypassed(!c.reverb.Bypassed()) }

func (c *console) togglePause() { c.stream.SetPaused(!c.stream.Paused()) }

func (c *console) openBrowser() {
	if len(c.irs) == 0 {
		c.status = "No IR library loaded"
		return
	}

	c.browsing = true
	c.cursor, _ = c.reverb.CurrentIR()
	c.cursor = max(0, c.cursor)
}

func (c *console) browseKey(ev termbox.Event) {
	last := len(c.irs) - 1

	switch ev.Key {
	case termbox.KeyEsc:
		c.browsing = false
	case termbox.KeyEnter:
		c.browsing = false
		c.selectIR(c.cursor)
	case termbox.KeyArrowUp:
		c.cursor--
		if c.cursor < 0 {
			c.cursor = last
		}
	case termbox.KeyArrowDown:
		c.cursor++
		if c.cursor > last {
			c.cursor = 0
		}
	case termbox.KeyPgup:
		c.cursor = max(0, c.cursor-pageStep)
	case termbox.KeyPgdn:
		c.cursor = min(last, c.cursor+pageStep)
	}
}

// selectIR queues a library IR. The name shown changes once the
// background load reports.
func (c *console) selectIR(index int) {
	if current, _ := c.reverb.CurrentIR(); current == index {
		return
	}

	if _, err := c.reverb.SwitchIR(c.library, index); err != nil {
		c.status = "IR switch failed: " + err.Error()
		return
	}

	c.status = ""
}

func (c *console) draw() {
	_ = termbox.Clear(termbox.ColorDefault, termbox.ColorDefault)

	if c.browsing {
		c.drawBrowser()
	} else {
		c.drawMain()
	}

	_ = termbox.Flush()
}

func (c *console) drawMain() {
	r := c.reverb
	rate := r.SampleRate()

	text(0, 0, termbox.ColorCyan, "irconv convolution reverb")
	text(0, 1, termbox.ColorWhite, fmt.Sprintf("%.0f Hz | latency %d (%.1f ms) | IR %d samples (%.2f s)",
		rate, r.Latency(), 1000*float64(r.Latency())/rate, r.IRSize(), float64(r.IRSize())/rate))
	text(0, 2, termbox.ColorDefault, "Up/Down select, Left/Right/Enter change, b bypass, Space pause, q quit")

	for i, ctl := range controls {
		line := fmt.Sprintf("  %-18s %s", ctl.label, ctl.value(c))
		fg, bg := termbox.ColorWhite, termbox.ColorDefault

		if i == c.row {
			line = ">" + line[1:]
			fg, bg = termbox.ColorDefault, termbox.ColorWhite
		}

		textBG(0, 4+i, fg, bg, line)
	}

	y := 5 + len(controls)
	if c.status != "" {
		text(0, y, termbox.ColorRed, c.status)
	}

	y += 2
	text(0, y, termbox.ColorYellow, "Meters")

	for ch, side := range []string{"L", "R"} {
		in, out, wet := r.GetMetrics(ch)
		meter(y+1+ch, "In "+side, in, termbox.ColorGreen)
		meter(y+4+ch, "Rev "+side, wet, termbox.ColorRed)
		meter(y+7+ch, "Out "+side, out, termbox.ColorBlue)
	}
}

func (c *console) drawBrowser() {
	width, height := termbox.Size()

	text(0, 0, termbox.ColorMagenta, "Select impulse response")
	text(0, 1, termbox.ColorDefault, "Up/Down, PgUp/PgDn move, Enter load, Esc back")

	const top = 3

	rows := max(5, height-top-1)
	first := max(0, c.cursor-rows+1)
	current, _ := c.reverb.CurrentIR()

	for i := first; i < len(c.irs) && i < first+rows; i++ {
		e := c.irs[i]

		line := fmt.Sprintf("  %3d: %-25s %-12s %5.1f kHz %-6s %5.1f s",
			i, shorten(e.Name, 25, ""), shorten(e.Category, 12, "-"), e.SampleRate/1000, channelLabel(e.Channels), e.Duration())
		if i == current {
			line += "  *"
		}

		fg, bg := termbox.ColorWhite, termbox.ColorDefault
		if i == c.cursor {
			line = ">" + line[1:]
			fg, bg = termbox.ColorDefault, termbox.ColorWhite
		}

		textBG(0, top+i-first, fg, bg, shorten(line, width-1, ""))
	}

	if len(c.irs) > rows {
		text(0, height-1, termbox.ColorYellow,
			fmt.Sprintf("%d-%d of %d", first+1, min(first+rows, len(c.irs)), len(c.irs)))
	}
}

// meter draws a peak bar scaled from -96 to +6 dB.
func meter(y int, label string, peak float32, color termbox.Attribute) {
	db := meterFloor
	if peak > 0 {
		db = min(meterCeil, max(meterFloor, 20*math.Log10(float64(peak))))
	}

	filled := int((db - meterFloor) / (meterCeil - meterFloor) * meterWidth)

	text(2, y, termbox.ColorDefault, fmt.Sprintf("%-6s %6.1f dB", label, db))

	for i := range meterWidth {
		cell := '░'
		if i < filled {
			cell = '█'
		}

		termbox.SetCell(20+i, y, cell, color, termbox.ColorDefault)
	}
}

func text(x, y int, fg termbox.Attribute, s string) {
	textBG(x, y, fg, termbox.ColorDefault, s)
}

func textBG(x, y int, fg, bg termbox.Attribute, s string) {
	for _, r := range s {
		termbox.SetCell(x, y, r, fg, bg)
		x++
	}
}

// shorten cuts s to n runes with an ellipsis; empty s becomes empty.
func shorten(s string, n int, empty string) string {
	if s == "" {
		return empty
	}

	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}

	return string(r[:n-3]) + "..."
}

func onOff(b bool) string {
	if b {
		return "on"
	}

	return "off"
}
