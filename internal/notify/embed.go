package notify

import (
	"fmt"
	"strings"
	"time"

	"polywatch/pkg/types"
)

// Discord embed colors per priority.
var priorityColors = map[Priority]int{
	PriorityCritical: 0xE74C3C,
	PriorityHigh:     0xE67E22,
	PriorityMedium:   0xF1C40F,
	PriorityLow:      0x95A5A6,
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      embedFooter  `json:"footer"`
	Timestamp   string       `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

func buildPayload(sig types.EarlySignal, score float64, priority Priority, post types.Posterior) webhookPayload {
	fields := []embedField{
		{Name: "Market", Value: sig.MarketID, Inline: true},
		{Name: "Direction", Value: string(sig.Direction), Inline: true},
		{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", sig.Confidence*100), Inline: true},
		{Name: "Adjusted score", Value: fmt.Sprintf("%.2f", score), Inline: true},
	}
	if post.Count > 0 {
		fields = append(fields, embedField{
			Name:   "Type track record",
			Value:  fmt.Sprintf("%.0f%% over %d signals", post.Accuracy*100, post.Count),
			Inline: true,
		})
	}
	fields = append(fields, metadataFields(sig.Metadata)...)

	return webhookPayload{Embeds: []embed{{
		Title:       fmt.Sprintf("[%s] %s", priority, typeLabel(sig.Type)),
		Description: sig.Question,
		Color:       priorityColors[priority],
		Fields:      fields,
		Footer:      embedFooter{Text: "polywatch"},
		Timestamp:   sig.Timestamp.UTC().Format(time.RFC3339),
	}}}
}

func typeLabel(st types.SignalType) string {
	return strings.ReplaceAll(string(st), "_", " ")
}

// metadataFields summarizes the interesting part of each variant. Unknown
// or absent metadata adds nothing.
func metadataFields(m types.SignalMetadata) []embedField {
	switch v := m.(type) {
	case types.ImbalanceMeta:
		return []embedField{{
			Name:   "Book imbalance",
			Value:  fmt.Sprintf("%+.2f (z=%.1f)", v.Imbalance, v.ZScore),
			Inline: true,
		}}
	case types.SpreadAnomalyMeta:
		return []embedField{{
			Name:   "Spread",
			Value:  fmt.Sprintf("%.4f (%.1fx baseline)", v.Spread, v.Multiple),
			Inline: true,
		}}
	case types.WithdrawalMeta:
		return []embedField{{
			Name:   "Depth drop",
			Value:  fmt.Sprintf("%.0f%%", v.DropPct),
			Inline: true,
		}}
	case types.VacuumMeta:
		return []embedField{{
			Name:   "Liquidity drop",
			Value:  fmt.Sprintf("bids %.0f%% / asks %.0f%%", v.BidDropPct, v.AskDropPct),
			Inline: true,
		}}
	case types.TradeFlowMeta:
		return []embedField{{
			Name:   "Flow",
			Value:  fmt.Sprintf("%+.2f over %d trades (z=%.1f)", v.FlowImbalance, v.Trades, v.ZScore),
			Inline: true,
		}}
	case types.FrontRunningMeta:
		return []embedField{{
			Name:   "Composite",
			Value:  fmt.Sprintf("%.2f (%s)", v.Composite, v.ConfidenceTier),
			Inline: true,
		}}
	case types.VolumeSpikeMeta:
		return []embedField{{
			Name:   "Volume",
			Value:  fmt.Sprintf("%.1fx average", v.Multiple),
			Inline: true,
		}}
	case types.PriceMoveMeta:
		return []embedField{{
			Name:   "Move",
			Value:  fmt.Sprintf("%+.1f%% in %.0fs", v.ChangePct, v.WindowSec),
			Inline: true,
		}}
	case types.CrossMarketMeta:
		return []embedField{{
			Name:   "Cluster",
			Value:  fmt.Sprintf("%d %s markets, avg corr %.2f", len(v.CorrelatedMarkets), v.Category, v.AvgCorrelation),
			Inline: true,
		}}
	default:
		return nil
	}
}
