package infra

import (
	"context"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// Buckets de série temporal aceitos por WithStatsBucket.
const (
	BucketMinute = "minute"
	BucketHour   = "hour"
	BucketNone   = "none"
)

// RedisStatsStore grava contadores de decisão em hashes do Redis.
// Os contadores são só estatística: as janelas de admissão ficam em memória.
//
// Layout (prefixo padrão ratelimit:stats):
//
//	<prefix>:total                 admitted/denied/exempt (não expira)
//	<prefix>:dimension             negações por dimensão (não expira)
//	<prefix>:<bucket>:<stamp>      admitted/denied/exempt + denied:<dimensão>
//	<prefix>:route                 "<METHOD> <endpoint registrado>:<campo>"
//	<prefix>:key:<window key>      por chave de janela (WithStatsTrackKeys)
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl vale para as chaves de série temporal e por chave.
	ttl       time.Duration
	bucket    string
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsBucket escolhe a granularidade da série temporal. Valores
// desconhecidos desligam a série.
func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		switch b := strings.ToLower(strings.TrimSpace(bucket)); b {
		case BucketMinute, BucketHour:
			s.bucket = b
		default:
			s.bucket = BucketNone
		}
	}
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: BucketMinute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// incr é um HINCRBY planejado; expire indica se a chave recebe TTL.
type incr struct {
	key    string
	field  string
	expire bool
}

func (s *RedisStatsStore) bucketKey(at time.Time) string {
	switch s.bucket {
	case BucketMinute:
		return s.prefix + ":minute:" + at.UTC().Format("200601021504")
	case BucketHour:
		return s.prefix + ":hour:" + at.UTC().Format("2006010215")
	}
	return ""
}

// plan lista os contadores que um evento incrementa.
func (s *RedisStatsStore) plan(ev domain.StatsEvent) []incr {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Outcome()

	out := make([]incr, 0, 6)
	out = append(out, incr{key: s.prefix + ":total", field: field})

	bucket := s.bucketKey(at)
	if bucket != "" {
		out = append(out, incr{key: bucket, field: field, expire: true})
	}
	if !ev.Admitted && ev.DeniedBy != "" {
		out = append(out, incr{key: s.prefix + ":dimension", field: string(ev.DeniedBy)})
		if bucket != "" {
			out = append(out, incr{key: bucket, field: "denied:" + string(ev.DeniedBy), expire: true})
		}
	}

	out = append(out, incr{key: s.prefix + ":route", field: ev.Route() + ":" + field})
	if k := strings.TrimSpace(ev.Key); s.trackKeys && k != "" {
		out = append(out, incr{key: s.prefix + ":key:" + k, field: field, expire: true})
	}
	return out
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	ops := s.plan(ev)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			pipe.HIncrBy(ctx, op.key, op.field, 1)
			if op.expire && s.ttl > 0 {
				pipe.Expire(ctx, op.key, s.ttl)
			}
		}
		return nil
	})
	return err
}
