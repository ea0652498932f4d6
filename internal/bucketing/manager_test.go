package bucketing_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mfa-service/internal/bucketing"
)

func TestBucket_StableAndInRange(t *testing.T) {
	t.Parallel()
	m := bucketing.NewManager(16)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("10.0.0.%d_0912000%04d", i%7, i)
		b := m.Bucket(key, 8)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 8)
		assert.Equal(t, b, m.Bucket(key, 8))
	}
}

func TestBucket_Spreads(t *testing.T) {
	t.Parallel()
	m := bucketing.NewManager(16)

	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		seen[m.LogBucket(fmt.Sprintf("0912%07d", i))] = true
	}
	assert.Len(t, seen, 16)
}

func TestBucket_Degenerate(t *testing.T) {
	t.Parallel()
	m := bucketing.NewManager(0)

	assert.Equal(t, 1, m.LogBuckets())
	assert.Equal(t, 0, m.Bucket("anything", 1))
	assert.Equal(t, 0, m.Bucket("anything", 0))
}

func TestAssign(t *testing.T) {
	t.Parallel()
	m := bucketing.NewManager(4)

	at := time.Date(2024, 3, 20, 23, 30, 0, 0, time.FixedZone("IRST", 3*3600+1800))
	a := m.Assign("09120000000", at)
	assert.Equal(t, "2024-03-20", a.DateBucket)
	assert.Equal(t, m.LogBucket("09120000000"), a.LogBucket)
}
