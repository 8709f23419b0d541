package adapter

import "math/rand/v2"

// Selector picks one of n configured endpoints.
type Selector interface {
	Pick(n int) int
}

// RandomSelector picks uniformly at random.
type RandomSelector struct{}

func (RandomSelector) Pick(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.IntN(n)
}

// FirstSelector always picks the first endpoint. Useful in tests.
type FirstSelector struct{}

func (FirstSelector) Pick(int) int { return 0 }
