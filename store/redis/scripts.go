package redis

import (
	_ "embed"

	goredis "github.com/redis/go-redis/v9"
)

var (
	//go:embed scripts/lock.lua
	lockSource string
	//go:embed scripts/unlock.lua
	unlockSource string
	//go:embed scripts/resolve.lua
	resolveSource string
	//go:embed scripts/pump.lua
	pumpSource string
	//go:embed scripts/replay.lua
	replaySource string
	//go:embed scripts/admit.lua
	admitSource string
)

// Scripts are loaded lazily: Run tries EVALSHA and falls back to EVAL.
var (
	lockScript    = goredis.NewScript(lockSource)
	unlockScript  = goredis.NewScript(unlockSource)
	resolveScript = goredis.NewScript(resolveSource)
	pumpScript    = goredis.NewScript(pumpSource)
	replayScript  = goredis.NewScript(replaySource)
	admitScript   = goredis.NewScript(admitSource)
)
