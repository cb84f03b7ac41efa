package result

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

var epochDate = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// convertText turns one JSON-encoded cell into its Go value.
func convertText(col Column, s *string) (any, error) {
	if s == nil {
		return nil, nil
	}
	v := *s
	switch col.Type {
	case TypeFixed:
		if col.Scale == 0 {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, nil
			}
			// Wider than int64: keep exact.
			r, ok := new(big.Rat).SetString(v)
			if !ok {
				return nil, fmt.Errorf("invalid FIXED value %q", v)
			}
			return r, nil
		}
		r, ok := new(big.Rat).SetString(v)
		if !ok {
			return nil, fmt.Errorf("invalid FIXED value %q", v)
		}
		return r, nil
	case TypeReal:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REAL value %q", v)
		}
		return f, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BOOLEAN value %q", v)
		}
		return b, nil
	case TypeDate:
		days, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DATE value %q", v)
		}
		return dateFromDays(days), nil
	case TypeTime:
		sec, nsec, err := parseEpoch(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TIME value %q", v)
		}
		return epochDate.Add(time.Duration(sec)*time.Second + time.Duration(nsec)), nil
	case TypeTimestampNTZ, TypeTimestampLTZ:
		sec, nsec, err := parseEpoch(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", col.Type, v)
		}
		return time.Unix(sec, nsec).UTC(), nil
	case TypeTimestampTZ:
		ts, offset, found := strings.Cut(v, " ")
		if !found {
			return nil, fmt.Errorf("invalid TIMESTAMP_TZ value %q", v)
		}
		sec, nsec, err := parseEpoch(ts)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMESTAMP_TZ value %q", v)
		}
		tz, err := strconv.Atoi(offset)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMESTAMP_TZ offset %q", v)
		}
		return time.Unix(sec, nsec).In(zoneFromOffset(tz)), nil
	case TypeBinary:
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BINARY value: %w", err)
		}
		return b, nil
	case TypeVariant, TypeObject, TypeArray:
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("invalid %s value", col.Type)
		}
		return json.RawMessage(v), nil
	}
	return v, nil
}

// parseEpoch splits "123.456" into whole seconds and nanoseconds, keeping
// the sign on both parts.
func parseEpoch(v string) (int64, int64, error) {
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(v, "-")
	whole, frac, _ := strings.Cut(v, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}
	if neg {
		return -sec, -nsec, nil
	}
	return sec, nsec, nil
}

func dateFromDays(days int64) time.Time {
	return epochDate.AddDate(0, 0, int(days))
}

// zoneFromOffset decodes the warehouse's timezone encoding: minutes east of
// UTC plus 1440.
func zoneFromOffset(encoded int) *time.Location {
	minutes := encoded - 1440
	return time.FixedZone(offsetName(minutes), minutes*60)
}

func offsetName(minutes int) string {
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("%c%02d:%02d", sign, minutes/60, minutes%60)
}

func scaledRat(unscaled *big.Int, scale int64) *big.Rat {
	den := new(big.Int).Exp(big.NewInt(10), big.NewInt(scale), nil)
	return new(big.Rat).SetFrac(unscaled, den)
}

func pow10(n int64) int64 {
	p := int64(1)
	for i := int64(0); i < n; i++ {
		p *= 10
	}
	return p
}
