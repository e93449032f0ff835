package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
)

// RedisStream appends every alert to a Redis stream, trimming it to
// roughly MaxLen entries.
type RedisStream struct {
	client rueidis.Client
	stream string
	maxLen int64
}

// NewRedisStream creates a RedisStream sink. maxLen <= 0 disables trimming.
func NewRedisStream(client rueidis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Handle(ctx context.Context, a event.Alert) error {
	fields, err := streamFields(a)
	if err != nil {
		metrics.SinkErrors.WithLabelValues("redis").Inc()
		return err
	}

	var cmd rueidis.Completed
	if s.maxLen > 0 {
		fv := s.client.B().Xadd().Key(s.stream).
			Maxlen().Almost().Threshold(strconv.FormatInt(s.maxLen, 10)).
			Id("*").FieldValue()
		for _, f := range fields {
			fv = fv.FieldValue(f[0], f[1])
		}
		cmd = fv.Build()
	} else {
		fv := s.client.B().Xadd().Key(s.stream).Id("*").FieldValue()
		for _, f := range fields {
			fv = fv.FieldValue(f[0], f[1])
		}
		cmd = fv.Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		metrics.SinkErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("xadd alert %s to %s: %w", a.ID, s.stream, err)
	}
	return nil
}

// streamFields lays an alert out as stream entry field/value pairs. The
// full alert is carried as JSON in "payload"; the other fields allow
// consumers to route without decoding it.
func streamFields(a event.Alert) ([][2]string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	return [][2]string{
		{"event_type", string(event.KindAlert)},
		{"alert_id", a.ID},
		{"account_id", a.AccountID},
		{"rule", a.Rule},
		{"payload", string(payload)},
	}, nil
}
