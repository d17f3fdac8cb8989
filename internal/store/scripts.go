package store

import "github.com/redis/go-redis/v9"

// promoteFn moves waiting users into free active slots, oldest first.
// Shared by leave and sweep so both promote the same way.
const promoteFn = `
local function promote(active, waiting, now, ttl, capacity, backstop)
  local promoted = {}
  local free = capacity - redis.call('ZCARD', active)
  if free <= 0 then
    return promoted
  end
  local users = redis.call('ZRANGE', waiting, 0, free - 1)
  for _, user in ipairs(users) do
    redis.call('ZREM', waiting, user)
    redis.call('ZADD', active, now + ttl, user)
    table.insert(promoted, user)
  end
  if #promoted > 0 then
    redis.call('PEXPIRE', active, backstop)
  end
  return promoted
end
`

// KEYS: active, waiting, seq, events
// ARGV: user, now ms, session ttl ms, capacity, event id, backstop ms
// Returns {admitted, position, queue size, active count, {promoted users}}.
// A caller whose own session lapsed gives up the slot to the head of the queue first.
var checkInScript = redis.NewScript(promoteFn + `
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local capacity = tonumber(ARGV[4])
local backstop = tonumber(ARGV[6])
local promoted = {}

local expires = redis.call('ZSCORE', KEYS[1], ARGV[1])
if expires then
  if tonumber(expires) > now then
    return {1, 0, redis.call('ZCARD', KEYS[2]), redis.call('ZCARD', KEYS[1]), promoted}
  end
  redis.call('ZREM', KEYS[1], ARGV[1])
  promoted = promote(KEYS[1], KEYS[2], now, ttl, capacity, backstop)
end

local rank = redis.call('ZRANK', KEYS[2], ARGV[1])
if rank then
  return {0, rank + 1, redis.call('ZCARD', KEYS[2]), redis.call('ZCARD', KEYS[1]), promoted}
end

redis.call('SADD', KEYS[4], ARGV[5])

local waiting = redis.call('ZCARD', KEYS[2])
local active = redis.call('ZCARD', KEYS[1])
if waiting == 0 and active < capacity then
  redis.call('ZADD', KEYS[1], now + ttl, ARGV[1])
  redis.call('PEXPIRE', KEYS[1], backstop)
  return {1, 0, 0, active + 1, promoted}
end

local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('PEXPIRE', KEYS[2], backstop)
redis.call('PEXPIRE', KEYS[3], backstop)
return {0, redis.call('ZRANK', KEYS[2], ARGV[1]) + 1, waiting + 1, active, promoted}
`)

// KEYS: active, waiting
// ARGV: user, now ms, session ttl ms, capacity, backstop ms
// Returns {was active, was queued, {promoted users}}.
var leaveScript = redis.NewScript(promoteFn + `
local wasActive = redis.call('ZREM', KEYS[1], ARGV[1])
local wasQueued = redis.call('ZREM', KEYS[2], ARGV[1])
local promoted = promote(KEYS[1], KEYS[2], tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5]))
return {wasActive, wasQueued, promoted}
`)

// KEYS: active, waiting
// ARGV: user, now ms
// Returns {active, position, queue size, expires at ms}.
var statusScript = redis.NewScript(`
local size = redis.call('ZCARD', KEYS[2])
local expires = redis.call('ZSCORE', KEYS[1], ARGV[1])
if expires and tonumber(expires) > tonumber(ARGV[2]) then
  return {1, 0, size, tonumber(expires)}
end
local rank = redis.call('ZRANK', KEYS[2], ARGV[1])
if rank then
  return {0, rank + 1, size, 0}
end
return {0, 0, size, 0}
`)

// KEYS: active, waiting, events
// ARGV: now ms, session ttl ms, capacity, event id, backstop ms
// Returns {{expired users}, {promoted users}}.
var sweepQueueScript = redis.NewScript(promoteFn + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #expired > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
local promoted = promote(KEYS[1], KEYS[2], tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[5]))
if redis.call('ZCARD', KEYS[1]) == 0 and redis.call('ZCARD', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[4])
end
return {expired, promoted}
`)

// KEYS: lock, lock index
// ARGV: holder, now ms, ttl ms
// Returns 1 when the holder owns the lock afterwards, 0 when someone else does.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local holder = redis.call('HGET', KEYS[1], 'holder')
if holder and holder ~= ARGV[1] then
  local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
  if expires and expires > now then
    return 0
  end
end

local expiresAt = now + ttl
if holder == ARGV[1] then
  redis.call('HSET', KEYS[1], 'expires_at', expiresAt)
else
  redis.call('DEL', KEYS[1])
  redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', now, 'expires_at', expiresAt)
end
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('ZADD', KEYS[2], expiresAt, KEYS[1])
return 1
`)

// KEYS: lock, lock index
// ARGV: holder
// Returns 1 when the lock was deleted.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], KEYS[1])
  return 1
end
return 0
`)

// KEYS: lock index
// ARGV: now ms, batch size
// Returns the number of locks removed.
var sweepLocksScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[2]))
local removed = 0
for _, key in ipairs(keys) do
  local expires = tonumber(redis.call('HGET', key, 'expires_at'))
  if expires and expires > now then
    redis.call('ZADD', KEYS[1], expires, key)
  else
    removed = removed + redis.call('DEL', key)
    redis.call('ZREM', KEYS[1], key)
  end
end
return removed
`)
