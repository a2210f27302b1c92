// Package routing selects the number outbound calls are placed from.
//
// Selection is weighted: a number with weight 3 is picked three times as often as one
// with weight 1. Numbers with weight <= 0 are never picked.
package routing

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"lead-qualifier/internal/calls"
)

var ErrNoCallerID = errors.New("routing: no eligible caller id")

// WeightedNumber is one entry of the caller id pool.
type WeightedNumber struct {
	// Number is an E.164 phone number owned by the account.
	Number string
	// Weight must be > 0 to be eligible.
	Weight int
}

// CallerIDPool picks outbound caller ids. It is safe for concurrent use.
type CallerIDPool struct {
	mu      sync.Mutex
	numbers []WeightedNumber
	rng     *rand.Rand
}

func NewCallerIDPool(numbers []WeightedNumber, rng *rand.Rand) (*CallerIDPool, error) {
	for _, n := range numbers {
		if !calls.IsE164(n.Number) {
			return nil, fmt.Errorf("routing: caller id %q is not E.164", n.Number)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &CallerIDPool{numbers: append([]WeightedNumber(nil), numbers...), rng: rng}, nil
}

// Pick returns a number from the pool.
func (p *CallerIDPool) Pick() (string, error) {
	var total int
	for _, n := range p.numbers {
		if n.Weight > 0 {
			total += n.Weight
		}
	}
	if total <= 0 {
		return "", ErrNoCallerID
	}

	p.mu.Lock()
	r := p.rng.Intn(total) // 0..total-1
	p.mu.Unlock()

	var acc int
	for _, n := range p.numbers {
		if n.Weight <= 0 {
			continue
		}
		acc += n.Weight
		if r < acc {
			return n.Number, nil
		}
	}
	return "", ErrNoCallerID
}

// Numbers returns a copy of the pool.
func (p *CallerIDPool) Numbers() []WeightedNumber {
	return append([]WeightedNumber(nil), p.numbers...)
}

// ParseWeightedNumbers reads "+15550001111:3,+15550002222" style lists. A missing weight is 1.
func ParseWeightedNumbers(raw string) ([]WeightedNumber, error) {
	var out []WeightedNumber
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		num, weight, found := strings.Cut(part, ":")
		n := WeightedNumber{Number: strings.TrimSpace(num), Weight: 1}
		if found {
			w, err := strconv.Atoi(strings.TrimSpace(weight))
			if err != nil {
				return nil, fmt.Errorf("routing: bad weight in %q", part)
			}
			n.Weight = w
		}
		out = append(out, n)
	}
	return out, nil
}
