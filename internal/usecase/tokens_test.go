package usecase

import "testing"

func TestEstimateFallbackHeuristic(t *testing.T) {
	e := &TokenEstimator{} // no encoding loaded

	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, c := range cases {
		if got := e.Estimate(c.text); got != c.want {
			t.Errorf("Estimate(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestEstimateMonotonicOverChunks(t *testing.T) {
	e := &TokenEstimator{}
	total := 0
	for _, chunk := range []string{"some ", "streamed ", "text"} {
		n := e.Estimate(chunk)
		if n <= 0 {
			t.Errorf("Estimate(%q) = %d, want > 0", chunk, n)
		}
		total += n
	}
	if total < 3 {
		t.Errorf("accumulated estimate = %d, want >= 3", total)
	}
}
