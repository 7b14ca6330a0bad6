package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Common size constants (1024-based).
const (
	Byte     int64 = 1
	KiloByte       = 1024 * Byte
	MegaByte       = 1024 * KiloByte
	GigaByte       = 1024 * MegaByte
)

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([A-Za-z]+)$`)

// unitMultipliers maps upper-cased units to bytes. Bare K/M/G and the IEC
// units are 1024-based; KB/MB/GB are 1000-based.
var unitMultipliers = map[string]int64{
	"B":   Byte,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"K":   KiloByte,
	"KIB": KiloByte,
	"M":   MegaByte,
	"MIB": MegaByte,
	"G":   GigaByte,
	"GIB": GigaByte,
}

// ParseDataSize parses sizes like "16KiB", "1.5MB" or "4096" into bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '16KiB', '64MB')", sizeStr)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}
	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

// FormatDataSize renders bytes with 1024-based units.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	units := []string{"B", "KiB", "MiB", "GiB"}
	value := float64(bytes)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	s := strconv.FormatFloat(value, 'f', 2, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + " " + units[i]
}
