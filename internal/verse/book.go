package verse

import (
	"sync"
	"time"
)

// Verse is spec.md §3's aggregated-market entity: a set of member market
// ids classified to the same id, a current aggregate probability, and a
// monotonically increasing version.
type Verse struct {
	ID          ID
	Members     []string
	Probability float64
	UpdatedAt   time.Time
	Version     uint64
}

// Book is the in-memory registry of every verse a keeper currently
// tracks: created on a market's first observation, retained until every
// member resolves (spec.md §3's Verse lifecycle note).
type Book struct {
	mu      sync.Mutex
	verses  map[[16]byte]*Verse
	member  map[string][16]byte // market id -> verse id bytes, for resolve/removal
}

// NewBook builds an empty Book.
func NewBook() *Book {
	return &Book{
		verses: make(map[[16]byte]*Verse),
		member: make(map[string][16]byte),
	}
}

// EnsureMember registers marketID as a member of the verse classified
// from question, creating the verse on first member (spec.md §3
// invariant (a)). It returns the verse id.
func (b *Book) EnsureMember(marketID, question string) ID {
	id := Classify(question)

	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.verses[id.Bytes()]
	if !ok {
		v = &Verse{ID: id}
		b.verses[id.Bytes()] = v
	}

	if _, already := b.member[marketID]; !already {
		v.Members = append(v.Members, marketID)
	}
	b.member[marketID] = id.Bytes()

	return id
}

// VerseOf returns the verse id a market currently belongs to, if known.
func (b *Book) VerseOf(marketID string) (ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.member[marketID]
	if !ok {
		return ID{}, false
	}
	return ID{b: raw}, true
}

// Members returns the member market ids of a verse.
func (b *Book) Members(id ID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.verses[id.Bytes()]
	if !ok {
		return nil
	}
	return append([]string(nil), v.Members...)
}

// UpdateAggregate recomputes and stores a verse's aggregate probability,
// bumping its version strictly (spec.md §3 invariant (c)). It returns
// the verse's new version, or 0 if the verse does not exist.
func (b *Book) UpdateAggregate(id ID, members []Member, now time.Time) (probability float64, version uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, exists := b.verses[id.Bytes()]
	if !exists {
		return 0, 0, false
	}

	v.Probability = Aggregate(members)
	v.UpdatedAt = now
	v.Version++
	return v.Probability, v.Version, true
}

// RemoveMember drops marketID from its verse on resolution (spec.md §3:
// "retained until all members resolved"). If it was the verse's last
// member, the verse is dropped entirely.
func (b *Book) RemoveMember(marketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, ok := b.member[marketID]
	if !ok {
		return
	}
	delete(b.member, marketID)

	v, ok := b.verses[raw]
	if !ok {
		return
	}
	for i, m := range v.Members {
		if m == marketID {
			v.Members = append(v.Members[:i], v.Members[i+1:]...)
			break
		}
	}
	if len(v.Members) == 0 {
		delete(b.verses, raw)
	}
}

// Snapshot returns a copy of a verse's current state.
func (b *Book) Snapshot(id ID) (Verse, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.verses[id.Bytes()]
	if !ok {
		return Verse{}, false
	}
	cp := *v
	cp.Members = append([]string(nil), v.Members...)
	return cp, true
}
