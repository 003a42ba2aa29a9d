package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

func TestTransportRecordsAndFails(t *testing.T) {
	t.Parallel()

	tr := New()
	boom := errors.New("boom")
	tr.FailAttempt(2, boom)
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, transport.Envelope{Type: "a", Data: []byte("1")}))
	require.ErrorIs(t, tr.Send(ctx, transport.Envelope{Type: "b"}), boom)
	require.NoError(t, tr.Send(ctx, transport.Envelope{Type: "c"}))

	require.Equal(t, []string{"a", "c"}, tr.SentTypes())
	require.Equal(t, 3, tr.Attempts())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Send(ctx, transport.Envelope{}), transport.ErrClosed)
}

func TestTransportReceive(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Inject([]byte(`{"type":"log"}`))

	raw, err := tr.Receive(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"log"}`, string(raw))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tr.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tr.Close())
	_, err = tr.Receive(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
}
