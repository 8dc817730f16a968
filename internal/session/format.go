package session

import "fmt"

// FormatRemaining renders seconds as MM:SS; minutes grow past 59 for long exams.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
