package cmd

import (
	"sync"

	"github.com/schollz/progressbar/v3"
)

// fileBars keeps one byte progress bar per file in flight.
type fileBars struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
	verb string
}

func newFileBars(verb string) *fileBars {
	return &fileBars{bars: make(map[string]*progressbar.ProgressBar), verb: verb}
}

func (b *fileBars) Report(peer, name string, size int64, progress float64) {
	key := peer + "/" + name

	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.bars[key]
	if !ok {
		bar = progressbar.DefaultBytes(size, b.verb+" "+name)
		b.bars[key] = bar
	}
	_ = bar.Set64(int64(progress * float64(size)))

	if progress >= 1 {
		_ = bar.Finish()
		delete(b.bars, key)
	}
}
