package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type timeSegment struct {
	timestamp int64
	count     int64
}

type counterElement struct {
	segments    []timeSegment
	segSize     int64
	lastUpdated int64
}

func newCounterElement(segments int64) *counterElement {
	return &counterElement{
		segments: make([]timeSegment, segments),
		segSize:  segments,
	}
}

func (c *counterElement) add(ts int64, value int64) {
	idx := ts % c.segSize
	if c.segments[idx].timestamp != ts {
		c.segments[idx].timestamp = ts
		c.segments[idx].count = value
	} else {
		c.segments[idx].count += value
	}
	c.lastUpdated = ts
}

func (c *counterElement) query(lastN int64, now int64) int64 {
	if lastN > c.segSize {
		lastN = c.segSize
	}
	var sum int64
	for i := int64(0); i < lastN; i++ {
		sec := now - lastN + 1 + i
		idx := sec % c.segSize
		if c.segments[idx].timestamp == sec {
			sum += c.segments[idx].count
		}
	}
	return sum
}

type counterBucket struct {
	mu       sync.RWMutex
	counters map[Address]*counterElement
}

// DropCounter counts dropped packets per source address over a sliding
// window of one-second segments. Buckets are picked by hashing the address
// so concurrent packet workers rarely contend.
type DropCounter struct {
	buckets     []*counterBucket
	bucketCount uint64
	segSize     int64
	now         func() int64
}

func NewDropCounter(bucketCount int, window int64) *DropCounter {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	if window <= 0 {
		window = 1
	}
	dc := &DropCounter{
		buckets:     make([]*counterBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		segSize:     window,
		now:         func() int64 { return time.Now().Unix() },
	}
	for i := range dc.buckets {
		dc.buckets[i] = &counterBucket{counters: make(map[Address]*counterElement)}
	}
	return dc
}

// Window is the longest span, in seconds, Query can answer.
func (dc *DropCounter) Window() int64 {
	return dc.segSize
}

func (dc *DropCounter) bucket(addr Address) *counterBucket {
	b := addr.Octets()
	return dc.buckets[xxhash.Sum64(b[:])%dc.bucketCount]
}

func (dc *DropCounter) Add(addr Address, value int64) {
	now := dc.now()
	bucket := dc.bucket(addr)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	counter, ok := bucket.counters[addr]
	if !ok {
		counter = newCounterElement(dc.segSize)
		bucket.counters[addr] = counter
	}
	counter.add(now, value)
}

// Query sums the last lastN seconds for addr.
func (dc *DropCounter) Query(addr Address, lastN int64) int64 {
	now := dc.now()
	bucket := dc.bucket(addr)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	if counter, ok := bucket.counters[addr]; ok {
		return counter.query(lastN, now)
	}
	return 0
}

func (dc *DropCounter) Reset(addr Address) {
	bucket := dc.bucket(addr)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	delete(bucket.counters, addr)
}

// GC drops counters that have not been touched for a full window.
func (dc *DropCounter) GC() {
	expireThreshold := dc.now() - dc.segSize
	for _, bucket := range dc.buckets {
		bucket.mu.Lock()
		for key, counter := range bucket.counters {
			if counter.lastUpdated < expireThreshold {
				delete(bucket.counters, key)
			}
		}
		bucket.mu.Unlock()
	}
}

func (dc *DropCounter) Len() int {
	n := 0
	for _, bucket := range dc.buckets {
		bucket.mu.RLock()
		n += len(bucket.counters)
		bucket.mu.RUnlock()
	}
	return n
}

func StartCounterGC(counter *DropCounter, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			counter.GC()
		case <-stopCh:
			return
		}
	}
}
