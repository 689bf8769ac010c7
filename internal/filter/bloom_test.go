package filter

import (
	"errors"
	"fmt"
	"testing"
)

func TestBloom_NoFalseNegatives(t *testing.T) {
	b := NewBuilder(0.01)
	for i := range 1000 {
		b.AddKey([]byte(fmt.Sprintf("key:%08d", i)))
	}
	data, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	r, err := NewReader(data)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	for i := range 1000 {
		if !r.MayContain([]byte(fmt.Sprintf("key:%08d", i))) {
			t.Fatalf("false negative for key %d", i)
		}
	}
}

func TestBloom_FalsePositiveRate(t *testing.T) {
	tests := []struct {
		fpr   float64
		limit float64
	}{
		{0.01, 0.03},
		{0.1, 0.2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.fpr), func(t *testing.T) {
			b := NewBuilder(tt.fpr)
			for i := range 5000 {
				b.AddKey([]byte(fmt.Sprintf("present:%d", i)))
			}
			data, err := b.Finish()
			if err != nil {
				t.Fatal(err)
			}
			r, err := NewReader(data)
			if err != nil {
				t.Fatal(err)
			}
			hits := 0
			const lookups = 10000
			for i := range lookups {
				if r.MayContain([]byte(fmt.Sprintf("absent:%d", i))) {
					hits++
				}
			}
			if rate := float64(hits) / lookups; rate > tt.limit {
				t.Errorf("false positive rate %.4f above %.4f", rate, tt.limit)
			}
		})
	}
}

func TestBloom_DuplicateKeysCollapsed(t *testing.T) {
	b := NewBuilder(0.01)
	b.AddKey([]byte("a"))
	b.AddKey([]byte("a"))
	b.AddKey([]byte("b"))
	if b.NumKeys() != 2 {
		t.Errorf("NumKeys = %d, want 2", b.NumKeys())
	}
}

func TestBloom_EmptyAndCorrupt(t *testing.T) {
	data, err := NewBuilder(0.01).Finish()
	if err != nil {
		t.Fatalf("empty Finish failed: %v", err)
	}
	if _, err := NewReader(data); err != nil {
		t.Errorf("empty filter unreadable: %v", err)
	}
	if _, err := NewReader([]byte{1, 2}); !errors.Is(err, ErrCorruptFilter) {
		t.Errorf("corrupt filter err = %v", err)
	}
}
