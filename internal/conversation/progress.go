package conversation

// Progress receives file transfer progress in [0, 1]. Pick the variant whose
// arguments the caller needs.
type Progress interface {
	Report(peer, name string, size int64, progress float64)
}

type SimpleProgress func(progress float64)

func (f SimpleProgress) Report(_, _ string, _ int64, progress float64) { f(progress) }

type NamedProgress func(name string, progress float64)

func (f NamedProgress) Report(_, name string, _ int64, progress float64) { f(name, progress) }

type SizedProgress func(name string, size int64, progress float64)

func (f SizedProgress) Report(_, name string, size int64, progress float64) { f(name, size, progress) }

type FullProgress func(peer, name string, size int64, progress float64)

func (f FullProgress) Report(peer, name string, size int64, progress float64) {
	f(peer, name, size, progress)
}

func report(p Progress, peer, name string, size int64, progress float64) {
	if p != nil {
		p.Report(peer, name, size, progress)
	}
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}
