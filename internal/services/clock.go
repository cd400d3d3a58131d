package services

import "time"

// timeNow is swapped out in tests that need a fixed clock
var timeNow = func() time.Time { return time.Now().UTC() }
