package logger

import "sync/atomic"

// Sampled logs the first occurrence and then every n-th one. It is meant
// for per-packet conditions that would otherwise flood the log.
type Sampled struct {
	module string
	every  uint64
	count  atomic.Uint64
}

// Every returns a sampler for module logging one in n calls.
func Every(module string, n uint64) *Sampled {
	if n == 0 {
		n = 1
	}
	return &Sampled{module: module, every: n}
}

func (s *Sampled) tick() (uint64, bool) {
	c := s.count.Add(1)
	return c, (c-1)%s.every == 0
}

// Warn logs at WARN when this call is sampled. The running count is
// appended to args as the last value.
func (s *Sampled) Warn(format string, args ...any) {
	if c, ok := s.tick(); ok {
		Warn(s.module, format+" (x%d)", append(args, c)...)
	}
}

// Error logs at ERROR when this call is sampled.
func (s *Sampled) Error(format string, args ...any) {
	if c, ok := s.tick(); ok {
		Error(s.module, format+" (x%d)", append(args, c)...)
	}
}

// Count is the number of calls seen, logged or not.
func (s *Sampled) Count() uint64 {
	return s.count.Load()
}
