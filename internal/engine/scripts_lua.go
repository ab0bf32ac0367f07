package engine

// luaReadClaimOrDLQ performs an atomic idle-claim + dead-letter-routing +
// new-entry read. It must commit the DLQ decision, the claim, the DLQ
// append and the ack together, or a crash between steps could duplicate or
// lose an entry.
//
// KEYS: [stream, dlqStream]
// ARGV: [group, consumer, minIdleMs, count, maxDeliveries]
//
// Returns {entries, dlqMoves} where entries is an array of {id, fields} and
// dlqMoves is an array of {originalId, fields, dlqId}.
const luaReadClaimOrDLQ = `
local stream     = KEYS[1]
local dlqStream   = KEYS[2]
local group       = ARGV[1]
local consumer    = ARGV[2]
local minIdle     = tonumber(ARGV[3])
local count       = tonumber(ARGV[4])
local maxDeliveries = tonumber(ARGV[5])

local ok, pending = pcall(redis.call, 'XPENDING', stream, group, 'IDLE', minIdle, '-', '+', count)
if not ok then
  if type(pending) == 'table' and pending.err and string.find(pending.err, 'NOGROUP') then
    pending = {}
  else
    return redis.error_reply(tostring(pending))
  end
end

local dlqCandidateIds = {}
local retryCandidateIds = {}

for _, entry in ipairs(pending) do
  local id = entry[1]
  local deliveryCount = tonumber(entry[4])
  if deliveryCount >= maxDeliveries then
    table.insert(dlqCandidateIds, id)
  else
    table.insert(retryCandidateIds, id)
  end
end

local dlqMoves = {}
for _, id in ipairs(dlqCandidateIds) do
  local claimed = redis.call('XCLAIM', stream, group, consumer, 0, id)
  if claimed and #claimed > 0 then
    local fields = claimed[1][2]
    local dlqId = redis.call('XADD', dlqStream, '*', unpack(fields))
    redis.call('XACK', stream, group, id)
    table.insert(dlqMoves, {id, fields, dlqId})
  end
end

local entries = {}
for _, id in ipairs(retryCandidateIds) do
  local claimed = redis.call('XCLAIM', stream, group, consumer, minIdle, id)
  for _, msg in ipairs(claimed) do
    table.insert(entries, {msg[1], msg[2]})
  end
end

local okRead, fresh = pcall(redis.call, 'XREADGROUP', 'GROUP', group, consumer, 'COUNT', count, 'STREAMS', stream, '>')
if not okRead then
  if not (type(fresh) == 'table' and fresh.err and string.find(fresh.err, 'NOGROUP')) then
    return redis.error_reply(tostring(fresh))
  end
  fresh = false
end

if fresh then
  for _, streamResult in ipairs(fresh) do
    for _, msg in ipairs(streamResult[2]) do
      table.insert(entries, {msg[1], msg[2]})
    end
  end
end

return {entries, dlqMoves}
`

// luaRequest implements the request half of request/reply: sets the timeout key
// (whose expiry IS the timeout event), writes the shadow hash used to route
// the eventual timeout response, and appends the request.
//
// KEYS: [timeoutKey, shadowKey, reqStream]
// ARGV: [businessId, respStream, timeoutSec, correlationId, fieldCount, field1, value1, ...]
const luaRequest = `
local timeoutKey = KEYS[1]
local shadowKey   = KEYS[2]
local reqStream   = KEYS[3]
local businessId  = ARGV[1]
local respStream  = ARGV[2]
local timeoutSec  = tonumber(ARGV[3])
local correlationId = ARGV[4]
local fieldCount  = tonumber(ARGV[5])

redis.call('SET', timeoutKey, businessId, 'EX', timeoutSec)
redis.call('HSET', shadowKey, 'businessId', businessId, 'streamResponseName', respStream)

local xaddArgs = {'XADD', reqStream, '*', 'correlationId', correlationId, 'businessId', businessId}
local argvOffset = 6
for i = 1, fieldCount do
  table.insert(xaddArgs, ARGV[argvOffset])
  table.insert(xaddArgs, ARGV[argvOffset + 1])
  argvOffset = argvOffset + 2
end

return redis.call(unpack(xaddArgs))
`

// luaResponse implements the response half of request/reply. Deleting timeoutKey
// before appending the response is what lets the race between a reply and an
// expiry resolve cleanly: whichever of {response, expiry} runs first wins.
//
// KEYS: [timeoutKey, respStream]
// ARGV: [correlationId, businessId, fieldCount, field1, value1, ...]
const luaResponse = `
local timeoutKey = KEYS[1]
local respStream  = KEYS[2]
local correlationId = ARGV[1]
local businessId     = ARGV[2]
local fieldCount      = tonumber(ARGV[3])

redis.call('DEL', timeoutKey)

local xaddArgs = {'XADD', respStream, '*', 'correlationId', correlationId, 'businessId', businessId}
local argvOffset = 4
for i = 1, fieldCount do
  table.insert(xaddArgs, ARGV[argvOffset])
  table.insert(xaddArgs, ARGV[argvOffset + 1])
  argvOffset = argvOffset + 2
end

return redis.call(unpack(xaddArgs))
`

// luaRouteMessage appends to the exchange stream, evaluates
// the routing-rule table in priority order, and fans out to every matching
// destination, honoring stopOnMatch. The exchange append and all destination
// appends happen inside one script invocation, so no partial fan-out is
// observable from outside.
//
// KEYS: [exchangeStream]
// ARGV: [routingKey, exchangeName, fieldCount, field1, value1, ...]
const luaRouteMessage = `
local exchangeStream = KEYS[1]
local routingKey      = ARGV[1]
local exchangeName    = ARGV[2]
local fieldCount       = tonumber(ARGV[3])

local payloadFields = {}
local argvOffset = 4
for i = 1, fieldCount do
  table.insert(payloadFields, ARGV[argvOffset])
  table.insert(payloadFields, ARGV[argvOffset + 1])
  argvOffset = argvOffset + 2
end

local routedAt = redis.call('TIME')[1]

local exchangeArgs = {'XADD', exchangeStream, '*'}
for _, f in ipairs(payloadFields) do table.insert(exchangeArgs, f) end
table.insert(exchangeArgs, 'routingKey')
table.insert(exchangeArgs, routingKey)
table.insert(exchangeArgs, 'routedAt')
table.insert(exchangeArgs, routedAt)

local exchangeId = redis.call(unpack(exchangeArgs))

local rulesKey = 'routing:rules:' .. exchangeName
local rawRules = redis.call('HGETALL', rulesKey)

local rules = {}
for i = 1, #rawRules, 2 do
  local ruleId = rawRules[i]
  local ok, rule = pcall(cjson.decode, rawRules[i + 1])
  if ok and rule and rule.enabled then
    rule.id = rule.id or ruleId
    table.insert(rules, rule)
  end
end

table.sort(rules, function(a, b)
  if a.priority ~= b.priority then
    return a.priority < b.priority
  end
  return tostring(a.id) < tostring(b.id)
end)

local destinations = {}
for _, rule in ipairs(rules) do
  if topicPatternMatch(routingKey, rule.pattern) then
    local destArgs = {'XADD', rule.destination, '*'}
    for _, f in ipairs(payloadFields) do table.insert(destArgs, f) end
    table.insert(destArgs, '_routingKey')
    table.insert(destArgs, routingKey)
    table.insert(destArgs, '_matchedBy')
    table.insert(destArgs, rule.id)
    table.insert(destArgs, '_exchangeId')
    table.insert(destArgs, exchangeId)

    local newId = redis.call(unpack(destArgs))
    table.insert(destinations, {rule.destination, newId})

    if rule.stopOnMatch then
      break
    end
  end
end

return {exchangeId, destinations}
`

// luaTopicPatternMatch defines the topicPatternMatch(routingKey, pattern)
// helper luaRouteMessage calls. It is prepended to luaRouteMessage's source
// at registration time (see Scripts.Load in scripts.go) rather than inlined in the constant
// above, so the matching grammar stays in one documented place.
//
// Grammar: a pattern is matched literally unless it uses '%':
//
//	"a.b.c"   exact match
//	"%.b.c"   suffix match   (pattern must end the routing key)
//	"a.b.%"   prefix match   (pattern must start the routing key)
//	"%.b.%"   contains match (pattern, minus its leading '%.' and trailing
//	          '.%', must appear somewhere inside the routing key)
//	"^a.b.c$" explicit full-string anchors; equivalent to the bare exact
//	          match form but accepted for source compatibility.
//
// A single pattern may combine at most one leading and one trailing '%';
// '%' elsewhere in the pattern is treated as a literal character (this
// engine does not support infix wildcards beyond the three forms above).
const luaTopicPatternMatch = `
local function topicPatternMatch(routingKey, pattern)
  if pattern == nil or pattern == '' then
    return false
  end

  local p = pattern
  if string.sub(p, 1, 1) == '^' then
    p = string.sub(p, 2)
  end
  if string.sub(p, -1) == '$' then
    p = string.sub(p, 1, -2)
  end

  local leadingWildcard = string.sub(p, 1, 2) == '%.'
  local trailingWildcard = string.sub(p, -2) == '.%'

  if leadingWildcard and trailingWildcard then
    local middle = string.sub(p, 3, -3)
    if middle == '' then
      return true
    end
    return string.find(routingKey, middle, 1, true) ~= nil
  elseif leadingWildcard then
    local suffix = string.sub(p, 2)
    local rkSuffix = string.sub(routingKey, -string.len(suffix))
    return rkSuffix == suffix
  elseif trailingWildcard then
    local prefix = string.sub(p, 1, -2)
    local rkPrefix = string.sub(routingKey, 1, string.len(prefix))
    return rkPrefix == prefix
  else
    return routingKey == p
  end
end
`
