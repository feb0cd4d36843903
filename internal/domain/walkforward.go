package domain

import "time"

// WalkForwardWindow is one train/test window pair. The test window starts the
// calendar day after the train window ends; WindowIndex is strictly
// increasing across a generated sequence.
type WalkForwardWindow struct {
	WindowIndex    int
	TrainStartDate time.Time
	TrainEndDate   time.Time
	TestStartDate  time.Time
	TestEndDate    time.Time
}
