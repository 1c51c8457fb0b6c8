package ui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/franksops/gobucket/engine"
)

// Progress modes accepted by ShowProgress.
const (
	ModeAuto  = "auto"
	ModeTTY   = "tty"
	ModePlain = "plain"
)

// ShowProgress reports whether progress bars should be drawn on f.
func ShowProgress(mode string, f *os.File) bool {
	switch mode {
	case ModePlain:
		return false
	case ModeTTY:
		return true
	default:
		return term.IsTerminal(int(f.Fd()))
	}
}

type plainFile struct {
	name string
	sent int64
	bar  *progressbar.ProgressBar
}

// PlainRenderer prints one line per finished or failed file and, when bars
// are enabled, a byte progress bar for the file in flight. It is registered
// as a registry subscriber.
type PlainRenderer struct {
	mu    sync.Mutex
	w     io.Writer
	bars  bool
	files map[int]*plainFile
	done  int
	bytes int64

	// OnFailed is called for every Failed event. It runs on the worker
	// goroutine and must not block.
	OnFailed func(jobID int, err error)
}

// NewPlainRenderer creates a PlainRenderer writing to w.
func NewPlainRenderer(w io.Writer, bars bool) *PlainRenderer {
	return &PlainRenderer{
		w:     w,
		bars:  bars,
		files: make(map[int]*plainFile),
	}
}

// HandleEvent implements engine.Subscriber.
func (p *PlainRenderer) HandleEvent(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case engine.FileStarted:
		f, ok := p.files[ev.JobID]
		if !ok || f.name != ev.Name {
			p.finishBar(f)
			f = &plainFile{name: ev.Name}
			p.files[ev.JobID] = f
		}
		if p.bars && f.bar == nil {
			f.bar = newProgressBar(p.w, ev.Size.Bytes, fmt.Sprintf("[%d] %s", ev.JobID, ev.Name))
			//nolint:errcheck // progress bar errors are not critical
			f.bar.Set64(f.sent)
		}

	case engine.FileOffset:
		f, ok := p.files[ev.JobID]
		if !ok {
			return
		}
		f.sent = ev.Bytes
		if f.bar != nil {
			//nolint:errcheck // progress bar errors are not critical
			f.bar.Set64(f.sent)
		}

	case engine.BytesTransferred:
		f, ok := p.files[ev.JobID]
		if !ok {
			return
		}
		f.sent += ev.Bytes
		if f.bar != nil {
			//nolint:errcheck // progress bar errors are not critical
			f.bar.Add64(ev.Bytes)
		}

	case engine.FileTransferred:
		p.finishBar(p.files[ev.JobID])
		delete(p.files, ev.JobID)
		p.done++
		p.bytes += ev.Size.Bytes
		fmt.Fprintf(p.w, "[%d] %s %s %s/%s\n", ev.JobID, ev.FormattedSize, ev.Direction, ev.Bucket, ev.Name)

	case engine.Failed:
		if f, ok := p.files[ev.JobID]; ok && f.bar != nil {
			//nolint:errcheck // progress bar errors are not critical
			f.bar.Clear()
			f.bar = nil
		}
		fmt.Fprintf(p.w, "[%d] failed %s: %v\n", ev.JobID, ev.Name, ev.Err)
		if p.OnFailed != nil {
			p.OnFailed(ev.JobID, ev.Err)
		}

	case engine.JobCompleted:
		p.finishBar(p.files[ev.JobID])
		delete(p.files, ev.JobID)
		fmt.Fprintf(p.w, "[%d] %s to %s complete\n", ev.JobID, ev.Direction, ev.Bucket)
	}
}

func (p *PlainRenderer) finishBar(f *plainFile) {
	if f == nil || f.bar == nil {
		return
	}
	//nolint:errcheck // progress bar errors are not critical
	f.bar.Finish()
	f.bar = nil
}

// newProgressBar creates a new progress bar for byte-based operations.
func newProgressBar(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

// Summary describes the files transferred so far.
func (p *PlainRenderer) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%d files, %s transferred", p.done, humanize.IBytes(uint64(p.bytes)))
}
