// Package verse implements the deterministic market-to-verse
// classification described in spec.md §4.5: normalization, a synonym
// map, stop-word filtering, lexicographic sort, and a 128-bit id derived
// from a SHA-256 digest; plus the near-duplicate check (SameVerse) and
// the volume x liquidity-weighted aggregate probability (spec.md §3(b)).
package verse
