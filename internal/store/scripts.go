package store

import "github.com/redis/go-redis/v9"

// The compare-and-set operations on the acknowledgement cursor and the
// subscription lifecycle run server-side so they stay atomic with respect to
// concurrent readers and writers.

// acknowledgeScript advances last_sent to ARGV[1] iff the current cursor is
// strictly smaller. The prior cursor is kept in prev_sent so a failed send
// can roll the acknowledgement back.
var acknowledgeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_sent')
if not cur then return 0 end
local cms, cseq = string.match(cur, '^(%d+)%-(%d+)$')
local nms, nseq = string.match(ARGV[1], '^(%d+)%-(%d+)$')
if not cms or not nms then return redis.error_reply('malformed stream id') end
cms = tonumber(cms); cseq = tonumber(cseq)
nms = tonumber(nms); nseq = tonumber(nseq)
if cms < nms or (cms == nms and cseq < nseq) then
  redis.call('HSET', KEYS[1], 'prev_sent', cur)
  redis.call('HSET', KEYS[1], 'last_sent', ARGV[1])
  return 1
end
return 0
`)

// unacknowledgeScript is the inverse CAS: it restores the prior cursor iff
// last_sent still equals ARGV[1], i.e. no interleaving acknowledgement won.
var unacknowledgeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_sent')
if cur ~= ARGV[1] then return 0 end
local prev = redis.call('HGET', KEYS[1], 'prev_sent')
if not prev then return 0 end
redis.call('HSET', KEYS[1], 'last_sent', prev)
redis.call('HDEL', KEYS[1], 'prev_sent')
return 1
`)

// migrateScript marks the old chat as migrated and carries its subscription
// to the new chat id unless one already exists there. Dialogue scratch moves
// along when the new chat has none.
// KEYS: old hash, new hash, registered set, old dialogue, new dialogue.
// ARGV: old chat id, new chat id.
var migrateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HEXISTS', KEYS[1], 'migrated') == 1 then return 0 end
if redis.call('EXISTS', KEYS[2]) == 0 then
  local f = redis.call('HGET', KEYS[1], 'filter')
  if f then redis.call('HSET', KEYS[2], 'filter', f) end
  local ls = redis.call('HGET', KEYS[1], 'last_sent')
  if ls then redis.call('HSET', KEYS[2], 'last_sent', ls) end
  redis.call('SADD', KEYS[3], ARGV[2])
end
redis.call('HDEL', KEYS[1], 'filter', 'last_sent', 'prev_sent')
redis.call('HSET', KEYS[1], 'migrated', ARGV[2])
redis.call('SREM', KEYS[3], ARGV[1])
if redis.call('EXISTS', KEYS[4]) == 1 and redis.call('EXISTS', KEYS[5]) == 0 then
  redis.call('RENAME', KEYS[4], KEYS[5])
end
return 1
`)

// removeScript deletes a subscription and its dialogue scratch.
// KEYS: hash, registered set, dialogue. ARGV: chat id.
var removeScript = redis.NewScript(`
local removed = 0
if redis.call('SREM', KEYS[2], ARGV[1]) == 1 then removed = 1 end
if redis.call('DEL', KEYS[1]) == 1 then removed = 1 end
redis.call('DEL', KEYS[3])
return removed
`)

// scheduleScript appends a message to the stream iff the upstream item id
// has not been scheduled before. Returns the new stream id, or nil when the
// item is already known.
// KEYS: known items set, stream. ARGV: item id, payload.
var scheduleScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then return false end
return redis.call('XADD', KEYS[2], '*', 'message', ARGV[2])
`)
