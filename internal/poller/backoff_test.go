package poller

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: 60 * time.Second, Threshold: 10}
	normal := time.Second

	t.Run("normal_cadence_below_threshold", func(t *testing.T) {
		for _, n := range []int{0, 1, 5, 9} {
			if got := b.Delay(n, normal); got != normal {
				t.Errorf("errors=%d: expected %v, got %v", n, normal, got)
			}
		}
	})

	t.Run("base_at_threshold", func(t *testing.T) {
		if got := b.Delay(10, normal); got != time.Second {
			t.Errorf("expected 1s at threshold, got %v", got)
		}
	})

	t.Run("geometric_growth", func(t *testing.T) {
		cases := []struct {
			errors int
			want   time.Duration
		}{
			{11, 2 * time.Second},
			{12, 4 * time.Second},
			{13, 8 * time.Second},
			{15, 32 * time.Second},
		}
		for _, c := range cases {
			if got := b.Delay(c.errors, normal); got != c.want {
				t.Errorf("errors=%d: expected %v, got %v", c.errors, c.want, got)
			}
		}
	})

	t.Run("capped_at_max", func(t *testing.T) {
		for _, n := range []int{16, 20, 100, 10000} {
			if got := b.Delay(n, normal); got != 60*time.Second {
				t.Errorf("errors=%d: expected cap 60s, got %v", n, got)
			}
		}
	})

	t.Run("never_below_normal_cadence", func(t *testing.T) {
		fast := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: time.Minute, Threshold: 3}
		if got := fast.Delay(3, time.Second); got != time.Second {
			t.Errorf("expected clamp to normal cadence, got %v", got)
		}
	})
}
