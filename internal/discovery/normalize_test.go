package discovery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestVolumeFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		m    gammaMarket
		want float64
	}{
		{"volume wins", gammaMarket{Volume: 100, VolumeNum: 50, Volume24hr: 10}, 100},
		{"volumeNum second", gammaMarket{VolumeNum: 50, Volume24hr: 10}, 50},
		{"clob+amm third", gammaMarket{VolumeClob: 30, VolumeAmm: 20, Volume24hr: 10}, 50},
		{"24hr fourth", gammaMarket{Volume24hr: 10, Volume1wk: 99}, 10},
		{"1wk last", gammaMarket{Volume1wk: 99}, 99},
		{"nothing", gammaMarket{}, 0},
	}

	for _, tc := range cases {
		if got := tc.m.resolveVolume(); got != tc.want {
			t.Errorf("%s: got %f, want %f", tc.name, got, tc.want)
		}
	}
}

func TestAssetIDFallbackChain(t *testing.T) {
	m := gammaMarket{
		Tokens:       []gammaToken{{TokenID: "t1"}, {AssetID: "t2"}},
		ClobTokenIds: `["c1","c2"]`,
	}
	ids := m.resolveAssetIDs()
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("tokens should win: %v", ids)
	}

	m = gammaMarket{AssetID: "single", ClobTokenIds: `["c1","c2"]`}
	if ids := m.resolveAssetIDs(); len(ids) != 1 || ids[0] != "single" {
		t.Errorf("asset_id should beat clobTokenIds: %v", ids)
	}

	m = gammaMarket{OutcomeTokens: `["o1","o2"]`}
	if ids := m.resolveAssetIDs(); len(ids) != 2 || ids[0] != "o1" {
		t.Errorf("outcome_tokens fallback broken: %v", ids)
	}

	m = gammaMarket{ClobTokenIds: `["c1","c2"]`}
	if ids := m.resolveAssetIDs(); len(ids) != 2 || ids[0] != "c1" {
		t.Errorf("clobTokenIds fallback broken: %v", ids)
	}

	m = gammaMarket{ConditionID: "cond"}
	if ids := m.resolveAssetIDs(); len(ids) != 1 || ids[0] != "cond" {
		t.Errorf("conditionId last resort broken: %v", ids)
	}
}

func TestFlexFloatAcceptsBothEncodings(t *testing.T) {
	var m gammaMarket
	raw := `{"volume": "1234.5", "volumeNum": 99, "liquidity": "not-a-number"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if m.Volume != 1234.5 {
		t.Errorf("string volume: got %f", float64(m.Volume))
	}
	if m.VolumeNum != 99 {
		t.Errorf("numeric volume: got %f", float64(m.VolumeNum))
	}
	if m.Liquidity != 0 {
		t.Errorf("unparseable string should be 0, got %f", float64(m.Liquidity))
	}
}

func TestNormalizeParallelArrays(t *testing.T) {
	now := time.Now()
	gm := gammaMarket{
		ConditionID:   "cond1",
		Question:      "Will the Fed cut rates in March?",
		Outcomes:      `["Yes","No"]`,
		OutcomePrices: `["0.62","0.38"]`,
		ClobTokenIds:  `["t1","t2"]`,
		Volume:        5000,
		Active:        true,
	}

	m, ok := normalize(&gm, now)
	if !ok {
		t.Fatal("expected normalization to succeed")
	}
	if len(m.Outcomes) != len(m.OutcomePrices) {
		t.Error("parallel-array invariant violated")
	}
	if m.OutcomePrices[0] != 0.62 {
		t.Errorf("price parsing: got %f", m.OutcomePrices[0])
	}
	if !m.Subscribable() {
		t.Error("expected subscribable with 2 outcomes and 2 asset ids")
	}

	// Price array shorter than outcomes gets padded, never panics.
	gm.OutcomePrices = `["0.62"]`
	m, ok = normalize(&gm, now)
	if !ok || len(m.OutcomePrices) != 2 {
		t.Errorf("expected padded prices, got %v", m.OutcomePrices)
	}
}

func TestNormalizeRejectsUnusable(t *testing.T) {
	now := time.Now()

	if _, ok := normalize(&gammaMarket{Outcomes: `["Yes","No"]`}, now); ok {
		t.Error("market without identity should be rejected")
	}
	if _, ok := normalize(&gammaMarket{ConditionID: "c", Outcomes: `["Yes"]`}, now); ok {
		t.Error("single-outcome market should be rejected")
	}
}
