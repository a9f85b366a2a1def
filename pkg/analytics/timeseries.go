// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"time"
)

const maxBuckets = 60

// TimeSeriesData stores time-bucketed auction counts
type TimeSeriesData struct {
	Buckets    map[int64]uint64
	BucketSize time.Duration
}

// NewTimeSeries creates a series with the given bucket width
func NewTimeSeries(bucketSize time.Duration) *TimeSeriesData {
	if bucketSize <= 0 {
		bucketSize = time.Minute
	}
	return &TimeSeriesData{
		Buckets:    make(map[int64]uint64),
		BucketSize: bucketSize,
	}
}

// Add counts one event at ts and drops buckets older than the window
func (t *TimeSeriesData) Add(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	bucket := ts.Truncate(t.BucketSize).Unix()
	t.Buckets[bucket]++

	if len(t.Buckets) > maxBuckets {
		oldest := bucket - int64(maxBuckets)*int64(t.BucketSize/time.Second)
		for b := range t.Buckets {
			if b <= oldest {
				delete(t.Buckets, b)
			}
		}
	}
}

// Counts returns a copy of the buckets keyed by unix start time
func (t *TimeSeriesData) Counts() map[int64]uint64 {
	out := make(map[int64]uint64, len(t.Buckets))
	for k, v := range t.Buckets {
		out[k] = v
	}
	return out
}
