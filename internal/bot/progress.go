package bot

import (
	"fmt"
	"math"
	"strings"
)

const progressCells = 15

// RenderProgressBar draws a fixed-width bar like "[████████░░░░░░░] 50%".
// At least one cell is always filled.
func RenderProgressBar(percent int) string {
	percent = min(max(percent, 0), 100)
	filled := max(1, int(math.Round(float64(percent)/100*progressCells)))

	return fmt.Sprintf("[%s%s] %d%%",
		strings.Repeat("█", filled),
		strings.Repeat("░", progressCells-filled),
		percent)
}
