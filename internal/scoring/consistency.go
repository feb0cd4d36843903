package scoring

import "math"

// ConsistencyScore measures how stable per-window test scores are:
// 100 minus 50x their standard deviation, floored at 0 and rounded to two
// decimals. A single window is perfectly consistent by definition. The score
// depends only on spread, not level.
func ConsistencyScore(testScores []float64) float64 {
	if len(testScores) <= 1 {
		return 100
	}

	mean := 0.0
	for _, s := range testScores {
		mean += s
	}
	mean /= float64(len(testScores))

	variance := 0.0
	for _, s := range testScores {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(testScores))

	score := 100 - math.Sqrt(variance)*50
	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}
