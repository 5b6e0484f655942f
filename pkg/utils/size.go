package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size units. Bare K/M/G/T are treated as binary, KB/MB/GB/TB as decimal and
// KiB/MiB/GiB/TiB as binary.
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

var sizeUnits = map[string]int64{
	"":      1,
	"B":     1,
	"BYTES": 1,
	"KB":    1000,
	"MB":    1000 * 1000,
	"GB":    1000 * 1000 * 1000,
	"TB":    1000 * 1000 * 1000 * 1000,
	"K":     KiB,
	"KIB":   KiB,
	"M":     MiB,
	"MIB":   MiB,
	"G":     GiB,
	"GIB":   GiB,
	"T":     TiB,
	"TIB":   TiB,
}

// ParseDataSize parses sizes like "4096", "4KiB", "512MB" or "1.5G" into bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r == '.')
	})
	number, unit := s, ""
	if split >= 0 {
		number, unit = s[:split], strings.TrimSpace(s[split:])
	}
	if number == "" {
		return 0, fmt.Errorf("invalid size %q: missing number", s)
	}

	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}

	if n, err := strconv.ParseInt(number, 10, 64); err == nil {
		if n > math.MaxInt64/mult {
			return 0, fmt.Errorf("size %q overflows", s)
		}
		return n * mult, nil
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	v := f * float64(mult)
	if v >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(v), nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 MiB".
func FormatDataSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	if n < KiB {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	v := float64(n) / float64(KiB)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + " " + units[i]
}
