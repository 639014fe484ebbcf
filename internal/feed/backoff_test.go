package feed

import (
	"math"
	"testing"
	"time"
)

func TestBackoff_MonotonicWithCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.5}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	prev := time.Duration(0)
	for i := 1; i <= 200; i++ {
		d := b.BaseDelay(i)
		if d < prev {
			t.Fatalf("attempt %d: %v < previous %v", i, d, prev)
		}
		if d > b.Max {
			t.Fatalf("attempt %d: %v exceeds max", i, d)
		}
		if i <= len(want) && d != want[i-1]*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, d, want[i-1]*time.Second)
		}
		prev = d
	}
	if b.BaseDelay(0) != time.Second {
		t.Errorf("attempt 0 should behave as 1")
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}

	tests := []struct {
		name string
		rnd  float64
		want time.Duration
	}{
		{"no jitter", 0, 400 * time.Millisecond},
		{"half", 0.5, 500 * time.Millisecond},
		{"max", 0.999999, 600 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Delay(3, func() float64 { return tt.rnd })
			if diff := tt.want - got; diff < 0 || diff > time.Millisecond {
				t.Errorf("Delay = %v, want ~%v", got, tt.want)
			}
		})
	}

	for i := 0; i < 100; i++ {
		d := b.Delay(20, nil)
		if d < b.Max || d >= b.Max+b.Max/2 {
			t.Fatalf("jittered delay %v outside [max, 1.5*max)", d)
		}
	}

	flat := Backoff{Base: time.Second, Max: time.Second}
	if flat.Delay(5, func() float64 { return 0.9 }) != time.Second {
		t.Error("zero jitter must not change the delay")
	}
}

func TestBackoff_HugeMax(t *testing.T) {
	tests := []struct {
		name string
		b    Backoff
	}{
		{"max int64", Backoff{Base: time.Second, Max: time.Duration(math.MaxInt64), Jitter: 0.5}},
		{"odd max", Backoff{Base: 3 * time.Nanosecond, Max: time.Duration(math.MaxInt64 - 1), Jitter: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := time.Duration(0)
			for i := 1; i <= 100; i++ {
				d := tt.b.BaseDelay(i)
				if d <= 0 || d < prev || d > tt.b.Max {
					t.Fatalf("attempt %d: delay %v (previous %v, max %v)", i, d, prev, tt.b.Max)
				}
				prev = d
			}
			if prev != tt.b.Max {
				t.Errorf("delay settled at %v, want max %v", prev, tt.b.Max)
			}
			if d := tt.b.Delay(100, func() float64 { return 0.99 }); d < tt.b.Max {
				t.Errorf("jittered delay %v wrapped below max", d)
			}
		})
	}
}
