package trigger

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const maxStartupSpread = 30 * time.Second

var spreadSeq uint64

// spreadFirst picks the first fire time for an interval trigger with startup spread.
func spreadFirst(every time.Duration, now time.Time, tag string) (time.Time, time.Duration) {
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return now.Add(every), 0
	}

	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return now.Add(every + jitter), jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
