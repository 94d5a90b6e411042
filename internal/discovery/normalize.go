package discovery

import (
	"encoding/json"
	"strconv"
	"time"

	"polywatch/pkg/types"
)

// The Gamma API is inconsistent about numeric encoding: the same field may
// arrive as a JSON number or as a decimal string depending on the endpoint
// vintage. flexFloat accepts both.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// gammaToken is one entry of the tokens array. Field naming varies across
// API vintages; all three id spellings are accepted.
type gammaToken struct {
	TokenID string `json:"token_id"`
	ID      string `json:"id"`
	AssetID string `json:"asset_id"`
	Outcome string `json:"outcome"`
}

func (t gammaToken) id() string {
	switch {
	case t.TokenID != "":
		return t.TokenID
	case t.ID != "":
		return t.ID
	default:
		return t.AssetID
	}
}

// gammaMarket is the raw market shape embedded in a Gamma event.
type gammaMarket struct {
	ID            string `json:"id"`
	ConditionID   string `json:"conditionId"`
	Slug          string `json:"slug"`
	Question      string `json:"question"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	EndDate       string `json:"endDate"`
	CreatedAt     string `json:"createdAt"`
	Outcomes      string `json:"outcomes"`      // JSON-encoded string array
	OutcomePrices string `json:"outcomePrices"` // JSON-encoded string array

	Volume     flexFloat `json:"volume"`
	VolumeNum  flexFloat `json:"volumeNum"`
	VolumeClob flexFloat `json:"volumeClob"`
	VolumeAmm  flexFloat `json:"volumeAmm"`
	Volume24hr flexFloat `json:"volume24hr"`
	Volume1wk  flexFloat `json:"volume1wk"`
	Liquidity  flexFloat `json:"liquidity"`

	Tokens        []gammaToken `json:"tokens"`
	AssetID       string       `json:"asset_id"`
	OutcomeTokens string       `json:"outcome_tokens"` // JSON-encoded string array
	ClobTokenIds  string       `json:"clobTokenIds"`   // JSON-encoded string array

	BestBid flexFloat `json:"bestBid"`
	BestAsk flexFloat `json:"bestAsk"`
	Spread  flexFloat `json:"spread"`
}

// gammaEvent is one entry of the paged /events response.
type gammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Markets []gammaMarket `json:"markets"`
}

// resolveVolume walks the volume fallback chain. Gamma populates different
// fields per market vintage; the first positive value wins.
func (gm *gammaMarket) resolveVolume() float64 {
	if gm.Volume > 0 {
		return float64(gm.Volume)
	}
	if gm.VolumeNum > 0 {
		return float64(gm.VolumeNum)
	}
	if gm.VolumeClob > 0 || gm.VolumeAmm > 0 {
		return float64(gm.VolumeClob) + float64(gm.VolumeAmm)
	}
	if gm.Volume24hr > 0 {
		return float64(gm.Volume24hr)
	}
	if gm.Volume1wk > 0 {
		return float64(gm.Volume1wk)
	}
	return 0
}

// resolveAssetIDs walks the asset-id fallback chain. The condition ID is the
// last resort so the market is at least addressable, though a lone condition
// ID never matches the outcome count and leaves the market unsubscribable.
func (gm *gammaMarket) resolveAssetIDs() []string {
	if len(gm.Tokens) > 0 {
		ids := make([]string, 0, len(gm.Tokens))
		for _, t := range gm.Tokens {
			if id := t.id(); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	if gm.AssetID != "" {
		return []string{gm.AssetID}
	}
	if ids := parseStringArray(gm.OutcomeTokens); len(ids) > 0 {
		return ids
	}
	if ids := parseStringArray(gm.ClobTokenIds); len(ids) > 0 {
		return ids
	}
	if gm.ConditionID != "" {
		return []string{gm.ConditionID}
	}
	return nil
}

// parseStringArray parses a JSON-encoded string array like ["a","b"].
func parseStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// parseFloatArray parses a JSON-encoded array of decimal strings.
func parseFloatArray(s string) []float64 {
	raw := parseStringArray(s)
	if raw == nil {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// normalize converts a raw Gamma market into the internal representation.
// Returns false when the market has no usable identity or outcome structure.
func normalize(gm *gammaMarket, now time.Time) (*types.Market, bool) {
	id := gm.ConditionID
	if id == "" {
		id = gm.ID
	}
	if id == "" {
		return nil, false
	}

	outcomes := parseStringArray(gm.Outcomes)
	prices := parseFloatArray(gm.OutcomePrices)
	if len(outcomes) < 2 {
		return nil, false
	}
	// Parallel-array invariant: pad or truncate prices to match.
	if len(prices) != len(outcomes) {
		fixed := make([]float64, len(outcomes))
		copy(fixed, prices)
		prices = fixed
	}

	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)
	createdAt, _ := time.Parse(time.RFC3339, gm.CreatedAt)

	// Asset IDs are kept even when the count disagrees with the outcome
	// count; Subscribable() gates subscription on the full parallel set.
	assetIDs := gm.resolveAssetIDs()

	return &types.Market{
		ID:            id,
		Slug:          gm.Slug,
		Question:      gm.Question,
		Outcomes:      outcomes,
		OutcomePrices: prices,
		AssetIDs:      assetIDs,
		VolumeNum:     gm.resolveVolume(),
		Liquidity:     float64(gm.Liquidity),
		Active:        gm.Active,
		Closed:        gm.Closed,
		EndDate:       endDate,
		CreatedAt:     createdAt,
		BestBid:       float64(gm.BestBid),
		BestAsk:       float64(gm.BestAsk),
		Spread:        float64(gm.Spread),
		FetchedAt:     now,
	}, true
}
