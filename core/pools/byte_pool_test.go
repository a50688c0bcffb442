package pools

import "testing"

func TestBytePoolTiers(t *testing.T) {
	bp := NewBytePool()

	tests := []struct {
		size        int
		expectedCap int
	}{
		{100, 512},
		{512, 512},
		{4096, 8192},
		{32768, 32768},
	}

	for _, tt := range tests {
		buf := bp.Get(tt.size)
		if len(buf) != tt.size {
			t.Errorf("Get(%d): expected len %d, got %d", tt.size, tt.size, len(buf))
		}
		if cap(buf) != tt.expectedCap {
			t.Errorf("Get(%d): expected cap %d, got %d", tt.size, tt.expectedCap, cap(buf))
		}
		bp.Put(buf)
	}

	hits, misses := bp.Stats()
	if hits != uint64(len(tests)) || misses != 0 {
		t.Errorf("Expected %d hits and 0 misses, got %d/%d", len(tests), hits, misses)
	}
}

func TestBytePoolOversize(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64})

	buf := bp.Get(100)
	if len(buf) != 100 {
		t.Errorf("Expected len 100, got %d", len(buf))
	}
	bp.Put(buf) // not pooled, must not panic

	if _, misses := bp.Stats(); misses != 1 {
		t.Errorf("Expected 1 miss, got %d", misses)
	}
}

func TestBytePoolReuseLength(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64})

	buf := bp.Get(10)
	bp.Put(buf)

	again := bp.Get(40)
	if len(again) != 40 || cap(again) != 64 {
		t.Errorf("Expected len 40 cap 64, got len %d cap %d", len(again), cap(again))
	}
}
