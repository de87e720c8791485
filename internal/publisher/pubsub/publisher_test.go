package pubsub

import (
	"context"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
)

type fixedResult struct {
	id  string
	err error
}

func (r fixedResult) Get(context.Context) (string, error) { return r.id, r.err }

type captureSender struct {
	msgs []*pubsub.Message
	err  error
}

func (s *captureSender) Publish(_ context.Context, msg *pubsub.Message) resultGetter {
	s.msgs = append(s.msgs, msg)
	return fixedResult{id: "srv-1", err: s.err}
}

func TestPublishMarshalsPayload(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	p := &Publisher{sender: sender}
	id, err := p.Publish(context.Background(), "job.completed", map[string]string{"task_id": "job-1"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", id)
	require.Len(t, sender.msgs, 1)
	require.JSONEq(t, `{"task_id":"job-1"}`, string(sender.msgs[0].Data))
	require.Equal(t, "job.completed", sender.msgs[0].Attributes["event"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	p := &Publisher{sender: &captureSender{err: errors.New("unavailable")}}
	_, err := p.Publish(context.Background(), "job.completed", "x")
	require.ErrorContains(t, err, "unavailable")

	_, err = p.Publish(context.Background(), "job.completed", func() {})
	require.ErrorContains(t, err, "marshal")

	var nilPub *Publisher
	_, err = nilPub.Publish(context.Background(), "job.completed", "x")
	require.Error(t, err)
}

func TestDialRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{Topic: "t"})
	require.Error(t, err)
}
