package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/flexplan/core/document"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	queue    string
	subs     map[string]nats.MsgHandler
	pubErr   error
	drained  bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.queue = queue
	return f.Subscribe(subj, cb)
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.subs == nil {
		f.subs = map[string]nats.MsgHandler{}
	}
	f.subs[subj] = cb
	return &nats.Subscription{Subject: subj}, nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error { return ctx.Err() }

func (f *fakeConn) Drain() error { f.drained = true; return nil }

func TestNATSSendAndReceive(t *testing.T) {
	conn := &fakeConn{}
	n := newNATS(conn, NATSConfig{Queue: "dso"}, nil)
	ctx := context.Background()

	require.NoError(t, n.Send(ctx, testDoc()))
	require.Equal(t, []string{"flex.agr_example_com.FLEX_REQUEST"}, conn.subjects)

	var got []int64
	require.NoError(t, n.Receive(ctx, "agr.example.com", func(_ context.Context, d document.Document) error {
		got = append(got, d.Sequence)
		return nil
	}))
	assert.Equal(t, "dso", conn.queue)
	cb, ok := conn.subs["flex.agr_example_com.>"]
	require.True(t, ok)
	cb(&nats.Msg{Subject: "x", Data: []byte("not json")})
	cb(&nats.Msg{Subject: conn.subjects[0], Data: conn.payloads[0]})
	assert.Equal(t, []int64{7}, got)

	require.NoError(t, n.Close())
	assert.True(t, conn.drained)
}

func TestNATSSendErrors(t *testing.T) {
	down := errors.New("connection closed")
	n := newNATS(&fakeConn{pubErr: down}, NATSConfig{}, nil)
	assert.ErrorIs(t, n.Send(context.Background(), testDoc()), down)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n = newNATS(&fakeConn{}, NATSConfig{}, nil)
	assert.ErrorIs(t, n.Send(ctx, testDoc()), context.Canceled)
}
