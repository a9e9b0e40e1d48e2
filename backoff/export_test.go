package backoff

// DecideWith exposes decide with an injectable jitter source.
var DecideWith = decide

// NextDelayWith exposes nextDelay with an injectable jitter source.
var NextDelayWith = nextDelay
