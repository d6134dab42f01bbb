package transport

import (
    "math"
    "time"

    "github.com/valyala/fastrand"
)

const maxBackoffExponent = 12

// BackoffBase returns min*2^retryCount clamped to [min, max].
func BackoffBase(retryCount int, min, max time.Duration) time.Duration {
    n := retryCount
    if n < 0 { n = 0 }
    if n > maxBackoffExponent { n = maxBackoffExponent }
    d := min << uint(n)
    if d > max || d < 0 { d = max }
    if d < min { d = min }
    return d
}

// Backoff is BackoffBase with symmetric +-10% jitter, kept within [min, max].
func Backoff(retryCount int, min, max time.Duration) time.Duration {
    capped := BackoffBase(retryCount, min, max)
    r := float64(fastrand.Uint32())/math.MaxUint32 - 0.5
    d := capped + time.Duration(math.Round(r*float64(capped)*0.2))
    if d < min { d = min }
    if max >= min && d > max { d = max }
    return d
}
