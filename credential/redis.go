package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scriptStatusNotFound int64 = 0
	scriptStatusApplied  int64 = 1
	scriptStatusConflict int64 = 2
)

// sweepBatch bounds the number of records one sweep script invocation removes.
const sweepBatch = 500

const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return {2}
end
if ARGV[5] == "0" and redis.call("EXISTS", KEYS[4]) == 1 then
  return {2}
end
local id = redis.call("INCR", KEYS[6])
redis.call("HSET", KEYS[1],
  "id", id, "hash", ARGV[2], "cid", ARGV[1], "owner", ARGV[3],
  "exp", ARGV[4], "revoked", ARGV[5], "succ", "", "ver", 1, "created", ARGV[6])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[5], ARGV[4], ARGV[1])
if ARGV[5] == "0" then
  redis.call("SET", KEYS[4], ARGV[1])
end
return {1, redis.call("HGETALL", KEYS[1])}
`

var insertLua = redis.NewScript(insertScript)

const updateScript = `
local cur = redis.call("HMGET", KEYS[1], "ver", "revoked", "succ", "id", "owner")
if not cur[1] or cur[4] ~= ARGV[5] then
  return {0}
end
if cur[1] ~= ARGV[1] then
  return {2}
end
if cur[2] == "1" and ARGV[2] == "0" then
  return {2}
end
if cur[3] ~= ARGV[3] then
  return {2}
end
redis.call("HSET", KEYS[1], "revoked", ARGV[2])
redis.call("HINCRBY", KEYS[1], "ver", 1)
local act = ARGV[6] .. ":act:" .. cur[5]
if ARGV[2] == "1" and redis.call("GET", act) == ARGV[4] then
  redis.call("DEL", act)
end
return {1, redis.call("HGETALL", KEYS[1])}
`

var updateLua = redis.NewScript(updateScript)

// swapScript revokes the expected active record (KEYS[7], optional) and
// inserts the next record as the principal's active one.
const swapScript = `
local active = redis.call("GET", KEYS[1])
local expected = ARGV[1]
if expected == "" then
  if active then
    return {2}
  end
else
  if active ~= expected then
    return {2}
  end
  if redis.call("HGET", KEYS[7], "ver") ~= ARGV[2] then
    return {2}
  end
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return {2}
end

local prev = {}
if expected ~= "" then
  redis.call("HSET", KEYS[7], "revoked", "1")
  if ARGV[3] == "1" then
    redis.call("HSET", KEYS[7], "succ", ARGV[4])
  end
  redis.call("HINCRBY", KEYS[7], "ver", 1)
  prev = redis.call("HGETALL", KEYS[7])
end

local id = redis.call("INCR", KEYS[6])
redis.call("HSET", KEYS[2],
  "id", id, "hash", ARGV[5], "cid", ARGV[4], "owner", ARGV[6],
  "exp", ARGV[7], "revoked", "0", "succ", "", "ver", 1, "created", ARGV[8])
redis.call("SET", KEYS[3], ARGV[4])
redis.call("SADD", KEYS[4], ARGV[4])
redis.call("ZADD", KEYS[5], ARGV[7], ARGV[4])
redis.call("SET", KEYS[1], ARGV[4])
return {1, redis.call("HGETALL", KEYS[2]), prev}
`

var swapLua = redis.NewScript(swapScript)

const deleteExpiredScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, cid in ipairs(ids) do
  local rec = ARGV[1] .. ":rec:" .. cid
  local fields = redis.call("HMGET", rec, "hash", "owner")
  if fields[1] then
    redis.call("DEL", ARGV[1] .. ":tok:" .. fields[1])
  end
  if fields[2] then
    redis.call("SREM", ARGV[1] .. ":own:" .. fields[2], cid)
    local act = ARGV[1] .. ":act:" .. fields[2]
    if redis.call("GET", act) == cid then
      redis.call("DEL", act)
    end
  end
  redis.call("DEL", rec)
  redis.call("ZREM", KEYS[1], cid)
end
return #ids
`

var deleteExpiredLua = redis.NewScript(deleteExpiredScript)

const deletePrincipalScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, cid in ipairs(ids) do
  local rec = ARGV[1] .. ":rec:" .. cid
  local hash = redis.call("HGET", rec, "hash")
  if hash then
    redis.call("DEL", ARGV[1] .. ":tok:" .. hash)
  end
  n = n + redis.call("DEL", rec)
  redis.call("ZREM", KEYS[3], cid)
end
redis.call("DEL", KEYS[1], KEYS[2])
return n
`

var deletePrincipalLua = redis.NewScript(deletePrincipalScript)

// RedisStore is a Store backed by Redis hashes and secondary indexes.
//
// Key layout under prefix p:
//
//	p:rec:<credential id>  hash with the record fields
//	p:tok:<token hash>     credential id
//	p:own:<principal>      set of credential ids
//	p:act:<principal>      credential id of the active record
//	p:exp                  zset of credential ids scored by expiry (unix ms)
//	p:seq                  record id sequence
//
// Every mutation runs as a single Lua script so the invariants hold under
// concurrent writers. The scripts touch several keys; on Redis Cluster the
// prefix must carry a hash tag (for example "{crt}").
//
//	Performance: lookups cost 2 round trips; writes cost 1 script call.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore using prefix as the key namespace.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "crt"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) recKey(cid string) string      { return s.prefix + ":rec:" + cid }
func (s *RedisStore) tokKey(hash string) string     { return s.prefix + ":tok:" + hash }
func (s *RedisStore) ownKey(owner string) string    { return s.prefix + ":own:" + owner }
func (s *RedisStore) activeKey(owner string) string { return s.prefix + ":act:" + owner }
func (s *RedisStore) expKey() string                { return s.prefix + ":exp" }
func (s *RedisStore) seqKey() string                { return s.prefix + ":seq" }

// Save implements Store.
//
//	Performance: 1 script call.
func (s *RedisStore) Save(ctx context.Context, rec *Record) (*Record, error) {
	if rec == nil {
		return nil, invalid("nil record")
	}
	if rec.ID == 0 {
		return s.insert(ctx, rec.Clone())
	}

	revoked := "0"
	if rec.Revoked {
		revoked = "1"
	}
	raw, err := updateLua.Run(ctx, s.redis,
		[]string{s.recKey(rec.CredentialID)},
		strconv.FormatInt(rec.Version, 10),
		revoked,
		rec.SuccessorID,
		rec.CredentialID,
		strconv.FormatInt(rec.ID, 10),
		s.prefix,
	).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	status, parts, err := scriptReply(raw)
	if err != nil {
		return nil, err
	}
	switch status {
	case scriptStatusNotFound:
		return nil, ErrNotFound
	case scriptStatusConflict:
		return nil, ErrConflict
	}
	out, err := decodeScriptRecord(parts, 1)
	if err != nil {
		return nil, err
	}
	out.TokenValue = rec.TokenValue
	return out, nil
}

func (s *RedisStore) insert(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.normalize(); err != nil {
		return nil, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	revoked := "0"
	if rec.Revoked {
		revoked = "1"
	}
	raw, err := insertLua.Run(ctx, s.redis,
		[]string{
			s.recKey(rec.CredentialID),
			s.tokKey(rec.TokenHash),
			s.ownKey(rec.Owner),
			s.activeKey(rec.Owner),
			s.expKey(),
			s.seqKey(),
		},
		rec.CredentialID,
		rec.TokenHash,
		rec.Owner,
		rec.ExpiresAt.UnixMilli(),
		revoked,
		rec.CreatedAt.UnixMilli(),
	).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	status, parts, err := scriptReply(raw)
	if err != nil {
		return nil, err
	}
	if status != scriptStatusApplied {
		return nil, ErrConflict
	}
	out, err := decodeScriptRecord(parts, 1)
	if err != nil {
		return nil, err
	}
	out.TokenValue = rec.TokenValue
	return out, nil
}

// FindByTokenValue implements Store.
//
//	Performance: 2 Redis commands (GET + HGETALL).
func (s *RedisStore) FindByTokenValue(ctx context.Context, token string) (*Record, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	cid, err := s.redis.Get(ctx, s.tokKey(HashToken(token))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	rec, err := s.FindByCredentialID(ctx, cid)
	if err != nil {
		return nil, err
	}
	rec.TokenValue = token
	return rec, nil
}

// FindByCredentialID implements Store.
func (s *RedisStore) FindByCredentialID(ctx context.Context, credentialID string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recKey(credentialID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(fields)
}

// FindActiveForPrincipal implements Store.
func (s *RedisStore) FindActiveForPrincipal(ctx context.Context, principal string) (*Record, error) {
	cid, err := s.redis.Get(ctx, s.activeKey(principal)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return s.FindByCredentialID(ctx, cid)
}

// FindAllForPrincipal implements Store.
//
//	Performance: 1 SMEMBERS plus one pipelined HGETALL per record.
func (s *RedisStore) FindAllForPrincipal(ctx context.Context, principal string) ([]*Record, error) {
	ids, err := s.redis.SMembers(ctx, s.ownKey(principal)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Record{}, nil
		}
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, cid := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(cid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	out := make([]*Record, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, unavailable(err)
		}
		// Swept between SMEMBERS and HGETALL.
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteExpiredBefore implements Store. It runs the sweep script in batches
// until a batch comes back short.
func (s *RedisStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		n, err := deleteExpiredLua.Run(ctx, s.redis,
			[]string{s.expKey()},
			s.prefix,
			cutoff.UnixMilli(),
			sweepBatch,
		).Int64()
		if err != nil {
			return total, unavailable(err)
		}
		total += int(n)
		if n < sweepBatch {
			return total, nil
		}
	}
}

// DeleteAllForPrincipal implements Store.
func (s *RedisStore) DeleteAllForPrincipal(ctx context.Context, principal string) (int, error) {
	n, err := deletePrincipalLua.Run(ctx, s.redis,
		[]string{s.ownKey(principal), s.activeKey(principal), s.expKey()},
		s.prefix,
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// SwapActive implements Store.
//
//	Performance: 1 script call.
//	Security: the version check makes a replayed or stale rotation lose.
func (s *RedisStore) SwapActive(ctx context.Context, swap Swap) (SwapResult, error) {
	swap.Next = swap.Next.Clone()
	if err := swap.validate(); err != nil {
		return SwapResult{}, err
	}
	next := swap.Next
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	keys := []string{
		s.activeKey(swap.Principal),
		s.recKey(next.CredentialID),
		s.tokKey(next.TokenHash),
		s.ownKey(swap.Principal),
		s.expKey(),
		s.seqKey(),
	}
	expectedID, expectedVersion, link := "", "0", "0"
	if swap.Expected != nil {
		keys = append(keys, s.recKey(swap.Expected.CredentialID))
		expectedID = swap.Expected.CredentialID
		expectedVersion = strconv.FormatInt(swap.Expected.Version, 10)
	}
	if swap.Link {
		link = "1"
	}

	raw, err := swapLua.Run(ctx, s.redis, keys,
		expectedID,
		expectedVersion,
		link,
		next.CredentialID,
		next.TokenHash,
		swap.Principal,
		next.ExpiresAt.UnixMilli(),
		next.CreatedAt.UnixMilli(),
	).Result()
	if err != nil {
		return SwapResult{}, unavailable(err)
	}
	status, parts, err := scriptReply(raw)
	if err != nil {
		return SwapResult{}, err
	}
	if status != scriptStatusApplied {
		return SwapResult{}, ErrConflict
	}

	var result SwapResult
	if result.Next, err = decodeScriptRecord(parts, 1); err != nil {
		return SwapResult{}, err
	}
	result.Next.TokenValue = next.TokenValue
	if swap.Expected != nil {
		if result.Previous, err = decodeScriptRecord(parts, 2); err != nil {
			return SwapResult{}, err
		}
		result.Previous.TokenValue = swap.Expected.TokenValue
	}
	return result, nil
}

func scriptReply(raw interface{}) (int64, []interface{}, error) {
	parts, ok := raw.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, nil, fmt.Errorf("%w: unexpected script reply %T", ErrUnavailable, raw)
	}
	status, ok := parts[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: unexpected script status %T", ErrUnavailable, parts[0])
	}
	return status, parts, nil
}

// decodeScriptRecord decodes the flat HGETALL array at parts[i].
func decodeScriptRecord(parts []interface{}, i int) (*Record, error) {
	if len(parts) <= i {
		return nil, fmt.Errorf("%w: script reply missing record", ErrUnavailable)
	}
	flat, ok := parts[i].([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed record reply", ErrUnavailable)
	}
	fields := make(map[string]string, len(flat)/2)
	for j := 0; j < len(flat); j += 2 {
		k, _ := flat[j].(string)
		v, _ := flat[j+1].(string)
		fields[k] = v
	}
	return decodeRecord(fields)
}

func decodeRecord(fields map[string]string) (*Record, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt id: %v", ErrUnavailable, err)
	}
	version, err := strconv.ParseInt(fields["ver"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt version: %v", ErrUnavailable, err)
	}
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt expiry: %v", ErrUnavailable, err)
	}
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	return &Record{
		ID:           id,
		TokenHash:    fields["hash"],
		CredentialID: fields["cid"],
		Owner:        fields["owner"],
		ExpiresAt:    time.UnixMilli(exp).UTC(),
		Revoked:      fields["revoked"] == "1",
		SuccessorID:  fields["succ"],
		Version:      version,
		CreatedAt:    time.UnixMilli(created).UTC(),
	}, nil
}
