// Package onchain isolates the on-chain settlement surface as an opaque
// I/O sink (spec.md §1/§6): the coordinator only ever issues
// "update aggregate" and "mark resolution" calls with idempotent
// semantics per (verse_id, version); what happens past that boundary is
// someone else's concern.
package onchain

import (
	"context"

	"github.com/gary322/keeperfleet/internal/logging"
)

// Sink is the signed RPC surface a keeper calls through with its own
// identity.
type Sink interface {
	// UpdateVerseProbability calls updateVerseProb(verseID, probability)
	// as keeperID, idempotent per (verseID, version).
	UpdateVerseProbability(ctx context.Context, keeperID, verseID string, version uint64, probability float64) error

	// MarkResolution records a market's resolution as keeperID.
	MarkResolution(ctx context.Context, keeperID, marketID, label string) error
}

// LoggingSink is a reference Sink that only logs calls. It is what a
// keeper uses absent a real signer/RPC client (cmd/keeper wires it in);
// the unit tests use their own recording fakes instead.
type LoggingSink struct {
	log *logging.Logger
}

// NewLoggingSink builds a Sink that logs every call at info level and
// always succeeds.
func NewLoggingSink(log *logging.Logger) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) UpdateVerseProbability(ctx context.Context, keeperID, verseID string, version uint64, probability float64) error {
	if s.log != nil {
		s.log.Info().
			Str("keeper_id", keeperID).
			Str("verse_id", verseID).
			Uint64("version", version).
			Float64("probability", probability).
			Log("onchain: update verse probability")
	}
	return nil
}

func (s *LoggingSink) MarkResolution(ctx context.Context, keeperID, marketID, label string) error {
	if s.log != nil {
		s.log.Info().
			Str("keeper_id", keeperID).
			Str("market_id", marketID).
			Str("label", label).
			Log("onchain: mark resolution")
	}
	return nil
}
