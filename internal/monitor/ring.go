// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

// sampleRing keeps the most recent device samples, evicting the oldest
type sampleRing struct {
	buf   []DeviceSample
	start int
	size  int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &sampleRing{buf: make([]DeviceSample, capacity)}
}

func (r *sampleRing) push(s DeviceSample) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *sampleRing) len() int {
	return r.size
}

// items returns the samples oldest first
func (r *sampleRing) items() []DeviceSample {
	out := make([]DeviceSample, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
