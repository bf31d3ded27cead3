package signal

// #region window

// window is a fixed-capacity circular buffer of divergence observations.
// Inserting into a full window evicts the oldest entry; memory never grows
// past the configured capacity regardless of sequence length.
type window struct {
	buf  []float64
	head int // next write position
	n    int // populated entries, <= cap(buf)
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

// push inserts v, evicting the oldest entry when full. O(1).
func (w *window) push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

func (w *window) len() int {
	return w.n
}

// variance returns the population variance of the window contents.
// ok is false with fewer than two samples.
func (w *window) variance() (v float64, ok bool) {
	if w.n < 2 {
		return 0, false
	}
	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.buf[i]
	}
	mean := sum / float64(w.n)
	var acc float64
	for i := 0; i < w.n; i++ {
		d := w.buf[i] - mean
		acc += d * d
	}
	return acc / float64(w.n), true
}

// #endregion window
