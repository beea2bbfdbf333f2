package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadSeasonality marks an invalid seasonality column list.
var ErrBadSeasonality = errors.New("bad seasonality")

// Seasonality feature names accepted in metric configs. Values are computed
// from the datapoint timestamp in UTC.
var seasonalityFeatures = map[string]struct{}{
	"hour":         {},
	"day_of_week":  {},
	"month":        {},
	"is_weekend":   {},
	"day_of_month": {},
	"week_of_year": {},
	"quarter":      {},
}

// ValidateSeasonalityColumns checks every column against the allow-list and
// rejects duplicates.
func ValidateSeasonalityColumns(columns []string) error {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if _, ok := seasonalityFeatures[c]; !ok {
			return fmt.Errorf("%w: invalid seasonality column %q", ErrBadSeasonality, c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: duplicate seasonality column %q", ErrBadSeasonality, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// SeasonalityFeatures computes the requested features for a timestamp.
// day_of_week is Monday=0; is_weekend covers Saturday and Sunday.
func SeasonalityFeatures(t time.Time, columns []string) map[string]any {
	t = t.UTC()
	features := make(map[string]any, len(columns))
	for _, c := range columns {
		switch c {
		case "hour":
			features[c] = t.Hour()
		case "day_of_week":
			features[c] = (int(t.Weekday()) + 6) % 7
		case "month":
			features[c] = int(t.Month())
		case "is_weekend":
			wd := t.Weekday()
			features[c] = wd == time.Saturday || wd == time.Sunday
		case "day_of_month":
			features[c] = t.Day()
		case "week_of_year":
			_, week := t.ISOWeek()
			features[c] = week
		case "quarter":
			features[c] = (int(t.Month())-1)/3 + 1
		}
	}
	return features
}

// EncodeSeasonality serializes the requested features as a compact JSON
// object with sorted keys. Empty column lists encode as "{}".
func EncodeSeasonality(t time.Time, columns []string) string {
	if len(columns) == 0 {
		return "{}"
	}
	// json.Marshal on a map emits sorted keys without whitespace.
	b, err := json.Marshal(SeasonalityFeatures(t, columns))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeSeasonality parses a seasonality JSON blob back into a feature map.
func DecodeSeasonality(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decode seasonality %q: %w", data, err)
	}
	return m, nil
}
