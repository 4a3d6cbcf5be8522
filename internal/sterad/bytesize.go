package sterad

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseBytes accepts plain byte counts ("1048576") and suffixed sizes
// ("512kb", "1.5 MiB", "2g").
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "ib")
	s = strings.TrimSuffix(s, "b")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := float64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	n := v * mult
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size overflows")
	}
	return int64(n), nil
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
