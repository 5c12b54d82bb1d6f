package bucket

// tokenBucketScript is the refill-and-consume operation, executed atomically
// on the store so that every replica sees one serialized bucket history.
//
// Clock discipline: the script reads the store's own clock (TIME). Caller
// clocks are never trusted; with multiple stateless replicas they drift and
// would double-refill or double-charge.
//
// On denial only last_refill is written back (HSET, not HMSET). The refill
// clock keeps moving through a run of denials, so a hammering client does
// not bank a burst to spend the moment a request finally lands.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local now = tonumber(redis.call("TIME")[1])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = capacity
local last_refill = now
if state[1] then
  tokens = tonumber(state[1])
end
if state[2] then
  last_refill = tonumber(state[2])
end

local elapsed = now - last_refill
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_rate)
last_refill = now

if tokens >= cost then
  tokens = tokens - cost
  redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
  if tokens > capacity / 2 then
    redis.call("EXPIRE", key, 7200)
  else
    redis.call("EXPIRE", key, 3600)
  end
  return {1, math.floor(tokens), now}
end

redis.call("HSET", key, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)
local wait = math.ceil((cost - tokens) / refill_rate)
return {0, math.floor(tokens), now + wait}
`
