package redis

import (
	"strconv"
	"time"

	"github.com/asqrzk/conveyor/queue"
)

// Queue keys follow the layout of queue.KeysFor so that producers outside
// this process can push raw members directly. The job event log lives in
// a list of its own.
const eventLogKey = "q:log:jobs"

// keysFor returns the list keys of a queue after validating its name.
func keysFor(name string) (queue.Keys, error) {
	return queue.KeysFor(name)
}

// score converts t to the delayed-set score: unix seconds with a
// fractional part.
func score(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// targetKey returns the key a route inserts into and its script name.
func targetKey(k queue.Keys, t queue.Target) (string, string) {
	switch t {
	case queue.TargetMain:
		return k.Main, "main"
	case queue.TargetDelayed:
		return k.Delayed, "delayed"
	case queue.TargetFailed:
		return k.Failed, "failed"
	default:
		return k.Processing, "none"
	}
}
