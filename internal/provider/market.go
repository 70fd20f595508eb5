package provider

import (
	"strconv"
	"time"
)

// Market is the external-view market record from spec.md §3, decoded
// from the provider's JSON representation (prices/volumes arrive as
// strings and are parsed to float64).
type Market struct {
	ID         string
	Question   string
	Outcomes   []string
	YesPrice   float64
	LastPrice  float64
	Volume     float64
	Liquidity  float64
	Resolved   bool
	Resolution string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// wireMarket mirrors the provider's GET /markets JSON shape exactly
// (spec.md §6): string-encoded floats, RFC3339 timestamps.
type wireMarket struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Outcomes   []string `json:"outcomes"`
	YesPrice   string   `json:"yes_price"`
	LastPrice  string   `json:"last_price"`
	Volume     string   `json:"volume"`
	Liquidity  string   `json:"liquidity"`
	Resolved   bool     `json:"resolved"`
	Resolution string   `json:"resolution"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

func (w wireMarket) toMarket() (Market, error) {
	yesPrice, err := strconv.ParseFloat(zeroIfEmpty(w.YesPrice), 64)
	if err != nil {
		return Market{}, err
	}
	lastPrice, err := strconv.ParseFloat(zeroIfEmpty(w.LastPrice), 64)
	if err != nil {
		return Market{}, err
	}
	volume, err := strconv.ParseFloat(zeroIfEmpty(w.Volume), 64)
	if err != nil {
		return Market{}, err
	}
	liquidity, err := strconv.ParseFloat(zeroIfEmpty(w.Liquidity), 64)
	if err != nil {
		return Market{}, err
	}

	created, _ := time.Parse(time.RFC3339, w.CreatedAt)
	updated, _ := time.Parse(time.RFC3339, w.UpdatedAt)

	return Market{
		ID:         w.ID,
		Question:   w.Question,
		Outcomes:   w.Outcomes,
		YesPrice:   yesPrice,
		LastPrice:  lastPrice,
		Volume:     volume,
		Liquidity:  liquidity,
		Resolved:   w.Resolved,
		Resolution: w.Resolution,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// PriceUpdate is a push-stream price event (spec.md §6).
type PriceUpdate struct {
	MarketID   string
	YesPrice   float64
	ObservedAt time.Time
}

// Resolution is a push-stream resolution event (spec.md §6).
type Resolution struct {
	MarketID string
	Label    string
}

// DisputeUpdate is a push-stream dispute marker (spec.md §6, supplemented
// into the ingestion pipeline by SPEC_FULL.md since the provider grammar
// defines it but spec.md's ingestion section never wires it in).
type DisputeUpdate struct {
	MarketID string
	Disputed bool
}

// Event is a single decoded push-stream message. Exactly one field is
// non-nil.
type Event struct {
	Price      *PriceUpdate
	Resolution *Resolution
	Dispute    *DisputeUpdate
}
