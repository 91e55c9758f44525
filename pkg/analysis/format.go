package analysis

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// money formats a currency amount as $1,234.56.
func money(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	if v < 0 {
		return "-$" + humanize.FormatFloat("#,###.##", -v)
	}
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// percent formats a fraction as a percentage with one decimal.
func percent(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return fmt.Sprintf("%.1f%%", v*100)
}

func count(n int) string {
	return humanize.Comma(int64(n))
}
