package vectorindex_test

import (
	"testing"

	"github.com/sage-edu/sage/pkg/vectorindex"
)

func TestSimilarity(t *testing.T) {
	cases := []struct {
		distance float64
		want     float64
	}{
		{0, 1},
		{0.25, 0.75},
		{1, 0},
		{1.5, 0}, // cosine distance can exceed 1; similarity clamps at 0
	}
	for _, tc := range cases {
		if got := vectorindex.Similarity(tc.distance); got != tc.want {
			t.Errorf("Similarity(%v) = %v, want %v", tc.distance, got, tc.want)
		}
	}
}

func TestSimilarityRange(t *testing.T) {
	for d := 0.0; d <= 2.0; d += 0.05 {
		s := vectorindex.Similarity(d)
		if s < 0 || s > 1 {
			t.Errorf("Similarity(%v) = %v, outside [0,1]", d, s)
		}
	}
}

func TestCollectionName(t *testing.T) {
	if got := vectorindex.CollectionName(7); got != "class7" {
		t.Errorf("CollectionName(7) = %q, want class7", got)
	}
}

func TestValidClass(t *testing.T) {
	for _, n := range []int{1, 6, 12} {
		if !vectorindex.ValidClass(n) {
			t.Errorf("ValidClass(%d) = false, want true", n)
		}
	}
	for _, n := range []int{0, 13, -1} {
		if vectorindex.ValidClass(n) {
			t.Errorf("ValidClass(%d) = true, want false", n)
		}
	}
}

func TestHealthStateString(t *testing.T) {
	cases := map[vectorindex.HealthState]string{
		vectorindex.Healthy:  "healthy",
		vectorindex.ReadOnly: "read_only",
		vectorindex.Corrupt:  "corrupt",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
