package utils

import "fmt"

// FormatDuration formats milliseconds as "3h 25m" for report output
func FormatDuration(ms int64) string {
	hours := ms / (60 * 60 * 1000)
	minutes := (ms % (60 * 60 * 1000)) / (60 * 1000)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
