package redis

import "strings"

// Redis key naming conventions for sqlbatch data.
// All keys are prefixed with "sqlbatch:" to avoid collisions.

const keyPrefix = "sqlbatch:"

// ── Job keys ──

// jobKey returns the key for a job record: sqlbatch:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// pendingKey returns the Sorted Set indexing pending jobs of a host by
// creation time: sqlbatch:pending:{host}
func pendingKey(host string) string { return keyPrefix + "pending:" + host }

// runningKey is the Set of running or draining job IDs the reaper scans.
const runningKey = keyPrefix + "running"

// ── Queue keys ──

const queueKeyPrefix = keyPrefix + "queue:"

// queueKey returns the List key for a host's queue: sqlbatch:queue:{host}
func queueKey(host string) string { return queueKeyPrefix + host }

// hostFromQueueKey is the inverse of queueKey.
func hostFromQueueKey(key string) string { return strings.TrimPrefix(key, queueKeyPrefix) }

// ── Wake-up channels ──

const wakeChannelPrefix = keyPrefix + "wake:"

// wakeChannel returns the pub/sub channel for a host: sqlbatch:wake:{host}
func wakeChannel(host string) string { return wakeChannelPrefix + host }

// wakePattern matches every host's wake-up channel.
const wakePattern = wakeChannelPrefix + "*"
