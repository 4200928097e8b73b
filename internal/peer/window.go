package peer

// ReplayWindow is how many sequence numbers below the highest one delivered
// from a sender are still tracked individually. Anything older is refused.
// It is far larger than a session queue, so a drained backlog always fits.
const ReplayWindow = 1024

// seqWindow is a sliding bitmap over the last ReplayWindow sequences
// delivered from one sender.
type seqWindow struct {
	top  uint64
	any  bool
	bits [ReplayWindow / 64]uint64
}

func (w *seqWindow) bit(seq uint64) (int, uint64) {
	i := seq % ReplayWindow
	return int(i / 64), 1 << (i % 64)
}

// seen reports whether seq was delivered already or fell out of the window.
func (w *seqWindow) seen(seq uint64) bool {
	if !w.any || seq > w.top {
		return false
	}
	if w.top-seq >= ReplayWindow {
		return true
	}
	word, mask := w.bit(seq)
	return w.bits[word]&mask != 0
}

func (w *seqWindow) mark(seq uint64) {
	switch {
	case !w.any:
		w.any = true
		w.top = seq
	case seq > w.top:
		if seq-w.top >= ReplayWindow {
			w.bits = [ReplayWindow / 64]uint64{}
		} else {
			for s := w.top + 1; s <= seq; s++ {
				word, mask := w.bit(s)
				w.bits[word] &^= mask
			}
		}
		w.top = seq
	case w.top-seq >= ReplayWindow:
		return
	}
	word, mask := w.bit(seq)
	w.bits[word] |= mask
}
