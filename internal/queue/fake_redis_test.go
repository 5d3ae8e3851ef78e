package queue

import (
	"context"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a minimal in-memory implementation of redisClient used by
// tests in place of a live Redis instance.
type fakeRedis struct {
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	lists   map[string][]string
	counter map[string]int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		counter: make(map[string]int64),
	}
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	for _, m := range members {
		f.zsets[key][m.Member.(string)] = m.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	n := int64(0)
	if set, ok := f.zsets[key]; ok {
		for _, m := range members {
			if _, exists := set[m.(string)]; exists {
				delete(set, m.(string))
				n++
			}
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd {
	cmd := redis.NewZSliceCmd(ctx)
	set := f.zsets[key]
	if len(set) == 0 {
		cmd.SetVal(nil)
		return cmd
	}
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(set))
	for member, score := range set {
		entries = append(entries, entry{member, score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })

	n := int64(1)
	if len(count) > 0 {
		n = count[0]
	}
	if n > int64(len(entries)) {
		n = int64(len(entries))
	}
	out := make([]redis.Z, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, redis.Z{Member: entries[i].member, Score: entries[i].score})
		delete(set, entries[i].member)
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	cmd := redis.NewZSliceCmd(ctx)
	set := f.zsets[key]
	min, max := parseBound(opt.Min), parseBound(opt.Max)
	out := make([]redis.Z, 0, len(set))
	for member, score := range set {
		if score >= min && score <= max {
			out = append(out, redis.Z{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	cmd.SetVal(out)
	return cmd
}

func parseBound(s string) float64 {
	switch s {
	case "-inf":
		return -1e18
	case "+inf":
		return 1e18
	default:
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		var val string
		switch v := values[i+1].(type) {
		case string:
			val = v
		case []byte:
			val = string(v)
		default:
			val = ""
		}
		f.hashes[key][field] = val
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := h[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	cmd := redis.NewStringStringMapCmd(ctx)
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	n := int64(0)
	if h, ok := f.hashes[key]; ok {
		for _, field := range fields {
			if _, exists := h[field]; exists {
				delete(h, field)
				n++
			}
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		var s string
		switch vv := v.(type) {
		case string:
			s = vv
		case []byte:
			s = string(vv)
		}
		f.lists[key] = append([]string{s}, f.lists[key]...)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	list := f.lists[key]
	if stop >= 0 && stop < int64(len(list))-1 {
		f.lists[key] = list[start : stop+1]
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	list := f.lists[key]
	if len(list) == 0 {
		cmd.SetVal(nil)
		return cmd
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start >= int64(len(list)) || start > stop {
		cmd.SetVal(nil)
		return cmd
	}
	cmd.SetVal(list[start : stop+1])
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.counter[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.counter[key])
	return cmd
}
