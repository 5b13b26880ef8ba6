package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionMonitorChannel returns the Redis PubSub channel name for a proctored session monitor
func (r *CacheKeyStruct) SessionMonitorChannel(sessionID string) string {
	return fmt.Sprintf("proctor:session:%s:monitor", sessionID)
}

// CandidateActiveSessionKey returns the cache key for a candidate's currently active session
func (r *CacheKeyStruct) CandidateActiveSessionKey(candidateID int) string {
	return fmt.Sprintf("candidate:%d:active_session", candidateID)
}

var CacheKey = NewCacheKeyStruct()
