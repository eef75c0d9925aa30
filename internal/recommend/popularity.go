package recommend

import "math"

const (
	popularityViewWeight     = 0.5
	popularityCommentWeight  = 0.3
	popularityDownloadWeight = 0.2
)

// PopularityScore turns raw engagement counters into a log-scaled signal.
// It is 0 for an item with no engagement.
func PopularityScore(viewCount, downloadCount, commentCount int64) float64 {
	return logCount(viewCount)*popularityViewWeight +
		logCount(commentCount)*popularityCommentWeight +
		logCount(downloadCount)*popularityDownloadWeight
}

func logCount(n int64) float64 {
	if n < 0 {
		n = 0
	}
	return math.Log(float64(n) + 1)
}
