package admission

import (
	"fmt"
)

const (
	kilobyte = int64(1) << 10
	megabyte = int64(1) << 20
	gigabyte = int64(1) << 30
)

// bytesString formats a byte count the way it appears in rejection reasons
// and profile annotations, e.g. "512.00 MB", "1.50 GB".
func bytesString(b int64) string {
	neg := ""
	if b < 0 {
		neg = "-"
		b = -b
	}
	switch {
	case b >= gigabyte:
		return fmt.Sprintf("%s%.2f GB", neg, float64(b)/float64(gigabyte))
	case b >= megabyte:
		return fmt.Sprintf("%s%.2f MB", neg, float64(b)/float64(megabyte))
	case b >= kilobyte:
		return fmt.Sprintf("%s%.2f KB", neg, float64(b)/float64(kilobyte))
	}
	return fmt.Sprintf("%s%d B", neg, b)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
