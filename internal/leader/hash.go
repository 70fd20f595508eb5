package leader

import "unicode/utf16"

// Hash is spec.md §4.9's required deterministic, stable-across-keepers
// non-cryptographic hash: repeatedly mix hash = ((hash<<5) - hash) +
// codeUnit(ch), seeded at 0, then take the absolute value. Arithmetic is
// done in int32 so the result is identical regardless of host word size,
// matching the bitwise-mix semantics the spec's wording implies.
// math.MinInt32 has no int32 absolute value, so that one result is
// returned negative; Slot accounts for it.
func Hash(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(unit)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Slot maps id into [0, n) using Hash, per spec.md §4.9 step 3. Slot
// panics if n <= 0; callers must not shard across zero keepers.
func Slot(id string, n int) int {
	if n <= 0 {
		panic("leader: slot requires a positive keeper count")
	}
	h := int64(Hash(id))
	if h < 0 {
		h = -h // only math.MinInt32 reaches here
	}
	return int(h % int64(n))
}
