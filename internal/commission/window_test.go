package commission

import (
	"testing"
	"time"
)

func TestWindow_Contains(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	boxed := Window{Start: start, End: &end}
	open := Window{Start: start}

	if !boxed.Contains(start) || !boxed.Contains(end) {
		t.Error("bounds should be inclusive")
	}
	if boxed.Contains(end.Add(time.Second)) {
		t.Error("after end should not be contained")
	}
	if !open.Contains(start.AddDate(10, 0, 0)) {
		t.Error("open window should contain the far future")
	}
	if open.Contains(start.Add(-time.Second)) {
		t.Error("before start should not be contained")
	}
}

func TestWindow_Overlaps(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC) }
	w := func(start int, end int) Window {
		if end == 0 {
			return Window{Start: d(start)}
		}
		e := d(end)
		return Window{Start: d(start), End: &e}
	}

	tests := []struct {
		name string
		a, b Window
		want bool
	}{
		{"disjoint", w(1, 5), w(10, 15), false},
		{"touching", w(1, 5), w(5, 10), false},
		{"nested", w(1, 20), w(5, 10), true},
		{"partial", w(1, 10), w(5, 15), true},
		{"both open", w(1, 0), w(20, 0), true},
		{"open after closed", w(1, 5), w(5, 0), false},
		{"open covering", w(1, 0), w(3, 4), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("a.Overlaps(b) = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("b.Overlaps(a) = %v, want %v", got, tt.want)
			}
		})
	}
}
