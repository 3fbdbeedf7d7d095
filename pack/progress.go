package pack

import (
	"sync"

	"github.com/pterm/pterm"
)

var _ ProgressSink = (*TermProgressSink)(nil)

// TermProgressSink renders pack reception progress to a terminal with
// two pterm progress bars: one for entry iteration, one for delta
// resolution. It's the default ProgressSink a CLI embedding this
// package would hand to Receive (spec §6/§11's domain-stack wiring
// for github.com/pterm/pterm).
type TermProgressSink struct {
	mu       sync.Mutex
	entries  *pterm.ProgressbarPrinter
	resolves *pterm.ProgressbarPrinter
}

// NewTermProgressSink returns a TermProgressSink. Its bars are
// created lazily, on the first OnEntry/OnResolve call, since the
// declared totals aren't known beforehand.
func NewTermProgressSink() *TermProgressSink {
	return &TermProgressSink{}
}

// OnEntry implements ProgressSink.
func (s *TermProgressSink) OnEntry(index, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		bar, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("receiving objects").
			Start()
		if err != nil {
			return
		}
		s.entries = bar
	}
	if s.entries.Current < index {
		s.entries.Add(index - s.entries.Current)
	}
	if index >= total {
		_, _ = s.entries.Stop()
	}
}

// OnResolve implements ProgressSink.
func (s *TermProgressSink) OnResolve(resolved, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolves == nil {
		bar, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("resolving deltas").
			Start()
		if err != nil {
			return
		}
		s.resolves = bar
	}
	if s.resolves.Current < resolved {
		s.resolves.Add(resolved - s.resolves.Current)
	}
	if resolved >= total {
		_, _ = s.resolves.Stop()
	}
}

// Info implements ProgressSink.
func (s *TermProgressSink) Info(msg string) {
	pterm.Info.Println(msg)
}
