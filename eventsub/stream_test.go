package eventsub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glowstream/glowstream/errs"
)

func collectNotifications(t *testing.T, sub *Subscription, n int) []Notification {
	t.Helper()
	out := make([]Notification, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case notif, ok := <-sub.Events():
			require.True(t, ok, "stream ended after %d of %d notifications", len(out), n)
			out = append(out, notif)
		case <-timeout:
			t.Fatalf("timed out after %d of %d notifications", len(out), n)
		}
	}
	return out
}

func expectStreamClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case n, ok := <-sub.Events():
		require.False(t, ok, "expected a closed stream, got notification %q", n.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the stream to close")
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	for i := 0; i < 5; i++ {
		st.push(Notification{Type: fmt.Sprintf("event-%d", i)})
	}
	st.close()

	got := collectNotifications(t, sub, 5)
	for i, n := range got {
		require.Equal(t, fmt.Sprintf("event-%d", i), n.Type)
	}
	expectStreamClosed(t, sub)
	require.NoError(t, sub.Err())
}

func TestStreamDrainsBufferBeforeFailure(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	st.push(Notification{Type: "a"})
	st.push(Notification{Type: "b"})
	terminal := errs.New("eventsub", errs.CodeProtocol, errs.WithMessage("session closed"))
	st.fail(terminal)

	got := collectNotifications(t, sub, 2)
	require.Equal(t, "a", got[0].Type)
	require.Equal(t, "b", got[1].Type)
	expectStreamClosed(t, sub)
	require.Same(t, terminal, sub.Err())
}

func TestStreamDropsPushAfterTermination(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	st.close()
	st.push(Notification{Type: "late"})

	expectStreamClosed(t, sub)
	require.NoError(t, sub.Err())
}

func TestStreamFirstTerminationWins(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	first := errs.New("eventsub", errs.CodeRevoked, errs.WithMessage("subscription revoked"))
	st.fail(first)
	st.close()
	st.fail(errs.New("eventsub", errs.CodeProtocol, errs.WithMessage("session closed")))

	expectStreamClosed(t, sub)
	require.Same(t, first, sub.Err())
}

func TestSubscriptionEach(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	st.push(Notification{Type: "a"})
	st.push(Notification{Type: "b"})
	st.push(Notification{Type: "c"})
	st.close()

	var seen []string
	err := sub.Each(func(n Notification) error {
		seen = append(seen, n.Type)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestSubscriptionEachReturnsTerminalError(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	st.push(Notification{Type: "a"})
	terminal := errs.New("eventsub", errs.CodeRevoked, errs.WithMessage("subscription revoked"))
	st.fail(terminal)

	var count int
	err := sub.Each(func(Notification) error {
		count++
		return nil
	})
	require.Same(t, terminal, err)
	require.Equal(t, 1, count)
}

func TestSubscriptionEachShortCircuits(t *testing.T) {
	st := newStream()
	sub := &Subscription{stream: st}

	for i := 0; i < 4; i++ {
		st.push(Notification{Type: fmt.Sprintf("event-%d", i)})
	}

	stop := fmt.Errorf("enough")
	var count int
	err := sub.Each(func(Notification) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	require.Same(t, stop, err)
	require.Equal(t, 2, count)
}
