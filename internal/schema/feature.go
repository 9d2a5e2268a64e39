package schema

// FeatureSentinel is substituted for any feature value that would otherwise
// be NaN or the result of a division by zero. The pipeline never panics on
// bad inputs; it degrades to this sentinel and sets Ready=false.
const FeatureSentinel = -999.0

// FeatureSnapshot is the feature pipeline's output for a single bar, once
// warmup has completed. Values is a flat map of feature name to value,
// always containing the pipeline's declared required-key set post-warmup.
type FeatureSnapshot struct {
	Symbol    string
	BarIndex  int
	Timestamp int64 // unix seconds, mirrors the "timestamp" feature key
	Values    map[string]float64
	// Ready is false when one or more required inputs could not be
	// computed cleanly this bar (division by zero, NaN); Values still
	// carries FeatureSentinel in the affected slots.
	Ready bool
}

// Get returns a feature value, or the sentinel if the key is absent.
func (f *FeatureSnapshot) Get(key string) float64 {
	if f == nil || f.Values == nil {
		return FeatureSentinel
	}
	v, ok := f.Values[key]
	if !ok {
		return FeatureSentinel
	}
	return v
}

// RequiredKeys is the declared required-key set enforced post-warmup. It is
// part of the versioned schema: adding a feature that downstream playbooks
// or the prompt builder depend on requires adding it here too.
var RequiredKeys = []string{
	"timestamp", "close",
	"ret_1", "ret_4", "ret_16", "ret_96", "logret_1", "range_bps",
	"atr", "atr_bps", "atr_z_96", "realized_vol_96",
	"ema20", "ema50", "ema200", "ema20_slope_bps", "ema50_slope_bps",
	"adx14", "di_plus_14", "di_minus_14", "trend_strength", "trend_dir",
	"rsi14", "macd", "macd_signal", "macd_hist",
	"donchian_high_32", "donchian_low_32", "breakout_dist_atr",
	"pullback_dist_ema20_atr", "pullback_dist_ema50_atr",
	"bb_mid", "bb_upper", "bb_lower", "bb_std", "bb_width_bps", "bb_pos",
	"turnover_usd", "adv_usd", "vol_sma_96", "volume_ratio_96", "vol_z_96",
	"spread_bps", "slippage_bps_est",
	"open_positions", "exposure_frac", "dd_24h_bps", "halt_flag",
	"funding_rate", "funding_rate_24h_avg", "open_interest_usd",
	"open_interest_chg_24h_pct", "derivs_data_available",
	"llm_confidence",
}

// MissingRequiredKeys reports which of RequiredKeys are absent from Values.
func (f *FeatureSnapshot) MissingRequiredKeys() []string {
	var missing []string
	for _, k := range RequiredKeys {
		if _, ok := f.Values[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
