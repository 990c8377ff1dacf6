package jobqueue

import "github.com/redis/go-redis/v9"

// Waiting scores are priority*1e12 + seq so ZRANGE yields priority order and
// then enqueue order within a priority.

var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 'existing'
end
local outcome = 'added'
if state then
  outcome = 'replaced'
  redis.call('ZREM', KEYS[5], ARGV[1])
  redis.call('ZREM', KEYS[6], ARGV[1])
  redis.call('DEL', KEYS[1])
end
local seq = redis.call('INCR', KEYS[7])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'video_id', ARGV[2], 'format', ARGV[3], 'profile', ARGV[4],
  'priority', ARGV[5], 'seq', seq, 'state', 'waiting', 'attempts_made', 0,
  'max_attempts', ARGV[6], 'progress', 0, 'last_error', '',
  'enqueued_at', ARGV[7], 'available_at', ARGV[7],
  'lease_token', '', 'lease_expires_at', 0, 'finished_at', 0)
redis.call('ZADD', KEYS[2], tonumber(ARGV[5]) * 1e12 + seq, ARGV[1])
return outcome
`)

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local key = ARGV[4] .. id
  local priority = tonumber(redis.call('HGET', key, 'priority'))
  local seq = tonumber(redis.call('HGET', key, 'seq'))
  redis.call('ZREM', KEYS[2], id)
  if priority and seq then
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('ZADD', KEYS[1], priority * 1e12 + seq, id)
  end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', ARGV[4] .. id, 'state', 'active', 'lease_token', ARGV[3], 'lease_expires_at', ARGV[2])
return id
`)

var touchScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'progress', ARGV[3])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HSET', KEYS[1], 'state', 'completed', 'progress', 100, 'finished_at', ARGV[2],
  'lease_token', '', 'lease_expires_at', 0)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
local excess = redis.call('ZCARD', KEYS[3]) - tonumber(ARGV[3])
if excess > 0 then
  local old = redis.call('ZRANGE', KEYS[3], 0, excess - 1)
  for _, id in ipairs(old) do
    redis.call('DEL', ARGV[5] .. id)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, excess - 1)
end
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return {-1, 0}
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts')) or tonumber(ARGV[6])
redis.call('ZREM', KEYS[2], ARGV[5])
if attempts < maxAttempts then
  local at = tonumber(ARGV[2]) + tonumber(ARGV[4]) * (2 ^ (attempts - 1))
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'last_error', ARGV[3], 'available_at', at,
    'lease_token', '', 'lease_expires_at', 0)
  redis.call('ZADD', KEYS[3], at, ARGV[5])
  return {1, attempts}
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[3], 'finished_at', ARGV[2],
  'lease_token', '', 'lease_expires_at', 0)
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[5])
return {0, attempts}
`)

var reclaimScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(stalled) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  local priority = tonumber(redis.call('HGET', key, 'priority'))
  local seq = tonumber(redis.call('HGET', key, 'seq'))
  if priority and seq then
    redis.call('HSET', key, 'state', 'waiting', 'available_at', ARGV[1], 'lease_token', '', 'lease_expires_at', 0)
    redis.call('ZADD', KEYS[2], priority * 1e12 + seq, id)
  end
end
return #stalled
`)

var removeScript = redis.NewScript(`
for i = 2, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
return redis.call('DEL', KEYS[1])
`)

var cleanScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
return #ids
`)
