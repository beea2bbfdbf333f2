package series

import "time"

// Bundle is the columnar datapoint batch exchanged between the loader, the
// store, and detectors. Rows are index-aligned; a nil value marks a gap.
type Bundle struct {
	Timestamps         []time.Time `json:"timestamp"`
	Values             []*float64  `json:"value"`
	SeasonalityData    []string    `json:"seasonality_data"`
	SeasonalityColumns []string    `json:"seasonality_columns"`
}

// Len returns the number of rows.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Timestamps)
}

// IsEmpty reports whether the bundle holds no rows.
func (b *Bundle) IsEmpty() bool { return b.Len() == 0 }

// Append adds one row. Seasonality is encoded from the bundle's column list.
func (b *Bundle) Append(ts time.Time, value *float64) {
	b.Timestamps = append(b.Timestamps, ts.UTC())
	b.Values = append(b.Values, value)
	b.SeasonalityData = append(b.SeasonalityData, EncodeSeasonality(ts, b.SeasonalityColumns))
}

// Float64Ptr is a small helper for building nullable values.
func Float64Ptr(v float64) *float64 { return &v }
