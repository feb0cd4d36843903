// Package walkforward generates time-ordered train/test windows and scores
// per-window performance degradation for overfitting detection.
package walkforward

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"strategy-validation-lab/internal/domain"
)

// maxWindows caps runaway window generation from misconfigured cadences.
const maxWindows = 1000

// ErrInvalidWindowConfig is returned for malformed windowing parameters.
var ErrInvalidWindowConfig = errors.New("invalid walk-forward window config")

// GenerateWindows produces the ordered train/test window sequence for a date
// range. Windows are inclusive date ranges at day granularity; the test
// window always starts the calendar day after the train window ends.
//
// In rolling mode the train start advances by stepDays per window. In
// anchored mode the train start stays at startDate and the train end advances
// by stepDays per window from an initial length of trainDays.
//
// Generation stops when the next train or test window would exceed endDate,
// or at a hard cap of 1000 windows (logged, not an error).
func GenerateWindows(startDate, endDate time.Time, trainDays, testDays, stepDays int, method domain.WalkForwardMethod) ([]domain.WalkForwardWindow, error) {
	if trainDays <= 0 || testDays <= 0 || stepDays <= 0 {
		return nil, fmt.Errorf("%w: trainDays=%d testDays=%d stepDays=%d must all be positive",
			ErrInvalidWindowConfig, trainDays, testDays, stepDays)
	}
	if !startDate.Before(endDate) {
		return nil, fmt.Errorf("%w: start date %s is not before end date %s",
			ErrInvalidWindowConfig, startDate.Format("2006-01-02"), endDate.Format("2006-01-02"))
	}

	var windows []domain.WalkForwardWindow

	for i := 0; ; i++ {
		var trainStart, trainEnd time.Time
		switch method {
		case domain.WalkForwardAnchored:
			trainStart = startDate
			trainEnd = startDate.AddDate(0, 0, trainDays-1+i*stepDays)
		default: // rolling
			trainStart = startDate.AddDate(0, 0, i*stepDays)
			trainEnd = trainStart.AddDate(0, 0, trainDays-1)
		}

		testStart := trainEnd.AddDate(0, 0, 1)
		testEnd := testStart.AddDate(0, 0, testDays-1)

		if trainEnd.After(endDate) || testEnd.After(endDate) {
			break
		}

		windows = append(windows, domain.WalkForwardWindow{
			WindowIndex:    i,
			TrainStartDate: trainStart,
			TrainEndDate:   trainEnd,
			TestStartDate:  testStart,
			TestEndDate:    testEnd,
		})

		if len(windows) >= maxWindows {
			log.Warn().
				Int("windows", len(windows)).
				Str("method", string(method)).
				Msg("walk-forward window cap reached, truncating")
			break
		}
	}

	return windows, nil
}
