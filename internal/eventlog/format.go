package eventlog

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// formatBytes renders n with a binary unit suffix, e.g. "101.36 TiB".
func formatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", v, byteUnits[unit])
}

// formatCents renders an integer cent amount as a fixed two-decimal string.
func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
