package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/term"

	"github.com/thesyncim/mp4composer"
)

const barWidth = 30

// progressBoard draws one bar per running job when stdout is a terminal,
// and logs coarse progress otherwise.
type progressBoard struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	log   hclog.Logger
	names []string
	state map[string]float64
	drawn int
}

func newProgressBoard(log hclog.Logger) *progressBoard {
	return &progressBoard{
		out:   os.Stdout,
		tty:   term.IsTerminal(int(os.Stdout.Fd())),
		log:   log,
		state: make(map[string]float64),
	}
}

// listener returns the job listener that reports into the board under name.
func (b *progressBoard) listener(name string) mp4composer.Listener {
	b.mu.Lock()
	b.names = append(b.names, name)
	b.state[name] = 0
	b.mu.Unlock()

	lastStep := -1
	return mp4composer.ListenerFuncs{
		Progress: func(p float64) {
			if p == mp4composer.ProgressUnknown {
				b.log.Info("progress unknown, source has no duration", "job", name)
				return
			}
			if b.tty {
				b.set(name, p)
				return
			}
			if step := int(p * 4); step > lastStep {
				lastStep = step
				b.log.Info("progress", "job", name, "percent", int(p*100))
			}
		},
		Completed: func() { b.finish(name, "done") },
		Canceled:  func() { b.finish(name, "canceled") },
		Failed:    func(err error) { b.finish(name, "failed: "+err.Error()) },
	}
}

func (b *progressBoard) set(name string, p float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state[name] = p
	b.redraw()
}

func (b *progressBoard) finish(name, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, name)
	for i, n := range b.names {
		if n == name {
			b.names = append(b.names[:i], b.names[i+1:]...)
			break
		}
	}
	if !b.tty {
		b.log.Info("job finished", "job", name, "status", status)
		return
	}
	b.clear()
	fmt.Fprintf(b.out, "%s: %s\n", name, status)
	b.redraw()
}

// clear moves the cursor back over the bars drawn last time.
func (b *progressBoard) clear() {
	for ; b.drawn > 0; b.drawn-- {
		fmt.Fprint(b.out, "\x1b[1A\x1b[2K")
	}
}

func (b *progressBoard) redraw() {
	b.clear()
	for _, name := range b.names {
		fmt.Fprintln(b.out, bar(name, b.state[name]))
		b.drawn++
	}
}

func bar(name string, p float64) string {
	p = min(max(p, 0), 1)
	filled := int(p * barWidth)
	return fmt.Sprintf("[%s%s] %3d%% %s", strings.Repeat("#", filled), strings.Repeat(" ", barWidth-filled), int(p*100), name)
}
