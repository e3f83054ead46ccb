package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Ms converts a millisecond count from config into a Duration.
func Ms(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
