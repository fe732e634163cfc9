package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// reporter prints stage changes and, on a terminal, a progress bar for
// long transfers. Its methods may be called from any goroutine.
type reporter struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	stage string
	bar   *progressbar.ProgressBar
	barOp string
}

func newReporter(out io.Writer) *reporter {
	return &reporter{
		out: out,
		tty: shouldColorize(out),
	}
}

// stageLabel turns a stage or operation name into a display label.
func stageLabel(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}

// Stage announces a new stage of the running operation.
func (r *reporter) Stage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" || name == r.stage {
		return
	}
	r.stage = name
	r.finishBar()
	fmt.Fprintf(r.out, "%s...\n", stageLabel(name))
}

// Progress updates the bar for a transfer. An empty operation ends it.
func (r *reporter) Progress(operation string, percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if operation == "" {
		r.finishBar()
		return
	}
	if !r.tty {
		return
	}
	if r.bar == nil || r.barOp != operation {
		r.finishBar()
		r.barOp = operation
		r.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(stageLabel(operation)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = r.bar.Set(int(percent))
}

// Done clears any bar left on screen.
func (r *reporter) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishBar()
}

func (r *reporter) finishBar() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	r.bar = nil
	r.barOp = ""
}
