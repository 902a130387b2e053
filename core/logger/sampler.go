package logger

import "sync/atomic"

// sampler lets num out of every den events through. A zero ratio lets
// everything through.
type sampler struct {
	num atomic.Int64
	den atomic.Int64
	seq atomic.Uint64
}

func newSampler(num, den int) *sampler {
	s := &sampler{}
	s.set(num, den)
	return s
}

func (s *sampler) set(num, den int) {
	if num <= 0 || den <= 0 {
		num, den = 0, 0
	}
	if num > den {
		num = den
	}
	s.num.Store(int64(num))
	s.den.Store(int64(den))
	s.seq.Store(0)
}

func (s *sampler) allow() bool {
	den := s.den.Load()
	if den <= 0 {
		return true
	}
	n := s.seq.Add(1) - 1
	return int64(n%uint64(den)) < s.num.Load()
}
