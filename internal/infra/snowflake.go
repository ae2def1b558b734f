package infra

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	epoch          = int64(1704067200000) // 2024-01-01T00:00:00Z
	workerIDBits   = uint(10)
	sequenceBits   = uint(12)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = int64(-1) ^ (int64(-1) << sequenceBits)
	workerIDMask   = int64(-1) ^ (int64(-1) << workerIDBits)
)

// SnowflakeGenerator issues time-ordered 63-bit ids. Message ids are the
// decimal form so they stay opaque strings everywhere else.
type SnowflakeGenerator struct {
	mu        sync.Mutex
	workerID  int64
	sequence  int64
	timestamp int64
	now       func() int64
}

func NewSnowflakeGenerator(workerID int64) *SnowflakeGenerator {
	return &SnowflakeGenerator{
		workerID: workerID & workerIDMask,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *SnowflakeGenerator) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now < s.timestamp {
		// Clock moved backwards; keep issuing from the last timestamp.
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = s.now()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

func (s *SnowflakeGenerator) NextID() string {
	return strconv.FormatInt(s.Generate(), 10)
}

func (s *SnowflakeGenerator) ExtractTimestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch).UTC()
}

// TimestampOf decodes the creation time of a decimal id.
func (s *SnowflakeGenerator) TimestampOf(id string) (time.Time, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse snowflake %q: %w", id, err)
	}
	return s.ExtractTimestamp(n), nil
}
