package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Manager maps keys onto a fixed number of buckets with murmur3. It backs
// limiter shard selection and access-log partitioning.
type Manager struct {
	logBuckets int
	hasherPool sync.Pool
}

type Assignment struct {
	LogBucket  int    `json:"log_bucket"`
	DateBucket string `json:"date_bucket"`
}

func NewManager(logBuckets int) *Manager {
	if logBuckets <= 0 {
		logBuckets = 1
	}
	m := &Manager{logBuckets: logBuckets}

	// pooled hashers, Bucket is on the hot path of every limiter call
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// Bucket returns a stable bucket in [0, n) for key.
func (m *Manager) Bucket(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(m.hash(key) % uint64(n))
}

// LogBucket spreads one day of access logs for different phone numbers over logBuckets partitions.
func (m *Manager) LogBucket(phoneNumber string) int {
	return m.Bucket(phoneNumber, m.logBuckets)
}

// DateBucket is the UTC day a timestamp belongs to.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) Assign(phoneNumber string, at time.Time) Assignment {
	return Assignment{
		LogBucket:  m.LogBucket(phoneNumber),
		DateBucket: m.DateBucket(at),
	}
}

func (m *Manager) LogBuckets() int {
	return m.logBuckets
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
