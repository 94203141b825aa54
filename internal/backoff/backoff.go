package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// MaxJitter bounds the random component added to every delay.
const MaxJitter = time.Second

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// JitterSource returns a duration in [0, max).
type JitterSource interface {
	Jitter(max time.Duration) time.Duration
}

type randJitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *randJitter) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.rnd.Int64N(int64(max)))
}

// Fixed always returns d, capped just below max.
type Fixed time.Duration

func (f Fixed) Jitter(max time.Duration) time.Duration {
	d := time.Duration(f)
	if d >= max {
		return max - 1
	}
	if d < 0 {
		return 0
	}
	return d
}

type Calculator struct {
	jitter JitterSource
}

func New(src JitterSource) *Calculator {
	if src == nil {
		src = Fixed(0)
	}
	return &Calculator{jitter: src}
}

// NewSeeded returns a calculator whose jitter sequence is fully determined by seed.
func NewSeeded(seed uint64) *Calculator {
	return New(&randJitter{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))})
}

// NextDelay returns the wait before the attempt after attemptNumber, or false
// when attemptNumber has used up the policy.
func (c *Calculator) NextDelay(attemptNumber int, p Policy) (time.Duration, bool) {
	if attemptNumber >= p.MaxAttempts {
		return 0, false
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(p.InitialDelay) * math.Pow(factor, float64(attemptNumber-1))
	if p.MaxDelay > 0 && base >= float64(p.MaxDelay) {
		return p.MaxDelay, true
	}

	delay := time.Duration(base) + c.jitter.Jitter(MaxJitter)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

func (c *Calculator) NextRetryAt(now time.Time, attemptNumber int, p Policy) (time.Time, bool) {
	d, ok := c.NextDelay(attemptNumber, p)
	if !ok {
		return time.Time{}, false
	}
	return now.Add(d), true
}
