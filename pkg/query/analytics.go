package query

// Token type label values for the cache analytics report.
const (
	TokenTypeInput         = "input"
	TokenTypeOutput        = "output"
	TokenTypeCacheRead     = "cacheRead"
	TokenTypeCacheCreation = "cacheCreation"
)

// Pricing holds the product-policy constants used for cost estimates. They
// are configuration, not invariants, and must be injected by the caller.
type Pricing struct {
	PerTokenUSD   float64
	CacheDiscount float64
}

// DefaultPricing returns the documented defaults: $0.000003 per input token
// and a 90% discount on cache reads.
func DefaultPricing() Pricing {
	return Pricing{PerTokenUSD: 0.000003, CacheDiscount: 0.9}
}

// CacheReport summarizes prompt-cache efficiency over a token counter.
type CacheReport struct {
	CacheReadTokens     float64 `json:"cache_read_tokens"`
	CacheCreationTokens float64 `json:"cache_creation_tokens"`
	InputTokens         float64 `json:"input_tokens"`
	HitRatio            Ratio   `json:"cache_hit_ratio"`
	Efficiency          Ratio   `json:"cache_efficiency"`
	ReadCreationRatio   Ratio   `json:"cache_read_creation_ratio"`
	EstimatedSavingsUSD float64 `json:"estimated_savings_usd"`
}

// CacheReport computes cache efficiency over the counter `metric`, whose
// series carry the token type in label `typeLabel`:
//
//	hit ratio      = cacheRead / (cacheRead + cacheCreation)
//	efficiency     = cacheRead / (cacheRead + input)
//	read:creation  = cacheRead / cacheCreation
//	savings (USD)  = cacheRead * PerTokenUSD * CacheDiscount
//
// Each ratio is undefined when its denominator is zero.
func (e *Engine) CacheReport(metric, typeLabel string, pricing Pricing) CacheReport {
	cacheRead := e.Sum(metric, map[string]string{typeLabel: TokenTypeCacheRead})
	cacheCreation := e.Sum(metric, map[string]string{typeLabel: TokenTypeCacheCreation})
	input := e.Sum(metric, map[string]string{typeLabel: TokenTypeInput})

	return CacheReport{
		CacheReadTokens:     cacheRead,
		CacheCreationTokens: cacheCreation,
		InputTokens:         input,
		HitRatio:            quotient(cacheRead, cacheRead+cacheCreation),
		Efficiency:          quotient(cacheRead, cacheRead+input),
		ReadCreationRatio:   quotient(cacheRead, cacheCreation),
		EstimatedSavingsUSD: cacheRead * pricing.PerTokenUSD * pricing.CacheDiscount,
	}
}
