package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// NewClient connects and pings. Connection failures are transient.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.Transient(errors.Wrapf(err, "ping redis at %s", addr))
	}
	return client, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := observability.Tracer("redis").Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// scriptResult is the {1, ...} / {0, code, detail} reply every script uses.
type scriptResult struct {
	ok     bool
	code   string
	detail string
	values []interface{}
}

func runScript(ctx context.Context, client redis.Scripter, script *redis.Script, keys []string, args ...interface{}) (scriptResult, error) {
	values, err := script.Run(ctx, client, keys, args...).Slice()
	if err != nil {
		return scriptResult{}, domain.Transient(errors.Wrap(err, "run script"))
	}
	if len(values) == 0 {
		return scriptResult{}, errors.Newf("empty script reply")
	}
	flag, err := toInt64(values[0])
	if err != nil {
		return scriptResult{}, err
	}
	res := scriptResult{ok: flag == 1, values: values[1:]}
	if !res.ok {
		if len(values) > 1 {
			res.code, _ = values[1].(string)
		}
		if len(values) > 2 {
			res.detail, _ = values[2].(string)
		}
	}
	return res, nil
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.Newf("unexpected reply type %T", v)
	}
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
