package discovery

import (
	"regexp"
	"strings"

	"polywatch/pkg/types"
)

// Categorization is the output of Categorize: the winning category (empty if
// none), its score, whether the question was blacklisted, and the keywords
// that matched.
type Categorization struct {
	Category    types.Category
	Score       float64
	Blacklisted bool
	Matched     []string
}

// blacklistPhrases reject trend-prediction questions outright. These markets
// are pure price speculation with no event catalyst to detect.
var blacklistPhrases = []string{
	"price prediction",
	"hit $",
	"reach $",
	"trading above",
	"trading below",
	"close above",
	"close below",
	"all-time high",
	"all time high",
	"price of",
	"market cap",
}

// cryptoTerms flag a crypto-bearing question; such questions are only kept
// when an event-catalyst phrase is also present.
var cryptoTerms = []string{
	"bitcoin", "btc", "ethereum", "eth", "solana", "crypto", "dogecoin",
	"xrp", "token", "altcoin", "stablecoin",
}

// cryptoCatalysts are event phrases that make a crypto question an event
// market rather than a price market.
var cryptoCatalysts = []string{
	"etf", "approval", "approve", "sec", "fork", "halving", "upgrade",
	"regulation", "ban", "lawsuit", "listing", "reserve", "legislation",
}

// categoryKeywords drives the scoring pass. A substring hit counts 1.0; a
// word-boundary hit adds 0.5 on top.
var categoryKeywords = map[types.Category][]string{
	types.CategoryPolitics: {
		"election", "president", "senate", "congress", "governor", "primary",
		"nominee", "ballot", "impeach", "cabinet", "parliament", "prime minister",
		"vote", "poll",
	},
	types.CategoryFed: {
		"fed", "fomc", "federal reserve", "rate cut", "rate hike",
		"interest rate", "powell", "basis points",
	},
	types.CategoryEarnings: {
		"earnings", "revenue", "eps", "quarterly report", "guidance",
		"q1", "q2", "q3", "q4",
	},
	types.CategoryCEOChanges: {
		"ceo", "chief executive", "resign", "step down", "successor",
		"fired", "ousted", "appointed",
	},
	types.CategoryMergers: {
		"merger", "acquisition", "acquire", "buyout", "takeover",
		"deal close", "antitrust",
	},
	types.CategorySportsAwards: {
		"mvp", "championship", "super bowl", "world cup", "finals",
		"heisman", "ballon d'or", "world series",
	},
	types.CategoryCourtCases: {
		"trial", "verdict", "conviction", "acquit", "supreme court",
		"indictment", "sentencing", "ruling", "appeal",
	},
	types.CategoryHollywoodAwards: {
		"oscar", "academy award", "emmy", "golden globe", "grammy",
		"best picture", "best actor", "best actress",
	},
	types.CategoryEconomicData: {
		"cpi", "inflation", "gdp", "unemployment", "jobs report",
		"nonfarm", "payroll", "pce", "retail sales",
	},
	types.CategoryWorldEvents: {
		"war", "ceasefire", "treaty", "sanctions", "invasion", "summit",
		"nato", "united nations", "peace deal",
	},
	types.CategoryMacro: {
		"recession", "default", "debt ceiling", "shutdown", "stimulus",
		"tariff", "trade war",
	},
	types.CategoryCryptoEvents: {
		"etf", "sec approval", "halving", "fork", "airdrop", "mainnet",
		"exchange listing", "crypto reserve",
	},
	types.CategoryPardons: {
		"pardon", "clemency", "commute", "commutation",
	},
}

var wordBoundary = regexp.MustCompile(`[a-z0-9]+`)

// Categorize assigns at most one category to a market question. Pure and
// deterministic: same question, same answer.
func Categorize(question string) Categorization {
	q := strings.ToLower(question)

	for _, phrase := range blacklistPhrases {
		if strings.Contains(q, phrase) {
			return Categorization{Blacklisted: true}
		}
	}

	if containsAny(q, cryptoTerms) && !containsAny(q, cryptoCatalysts) {
		return Categorization{Blacklisted: true}
	}

	words := make(map[string]bool)
	for _, w := range wordBoundary.FindAllString(q, -1) {
		words[w] = true
	}

	var best Categorization
	for _, cat := range types.Categories {
		var score float64
		var matched []string
		for _, kw := range categoryKeywords[cat] {
			if !strings.Contains(q, kw) {
				continue
			}
			score += 1
			matched = append(matched, kw)
			// Word-boundary bonus: single-word keywords must stand alone,
			// multi-word keywords already imply boundaries via Contains.
			if strings.Contains(kw, " ") || words[kw] {
				score += 0.5
			}
		}
		if score > best.Score {
			best = Categorization{Category: cat, Score: score, Matched: matched}
		}
	}

	if best.Score < 1 {
		return Categorization{}
	}
	return best
}

func containsAny(q string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(q, t) {
			return true
		}
	}
	return false
}
