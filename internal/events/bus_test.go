package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func publishN(b *Bus, jobID string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(Envelope{Type: TypeJobProgress, JobID: jobID, TenantID: "acme"})
	}
}

func drain(sub *Subscription) []Envelope {
	var got []Envelope
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, env)
		default:
			return got
		}
	}
}

func TestPublishAssignsPerJobSequences(t *testing.T) {
	b := New(zerolog.Nop())

	first := b.Publish(Envelope{Type: TypeJobCreated, JobID: "job-a"})
	second := b.Publish(Envelope{Type: TypeJobProgress, JobID: "job-a"})
	other := b.Publish(Envelope{Type: TypeJobCreated, JobID: "job-b"})

	require.Equal(t, uint64(1), first.Sequence)
	require.Equal(t, uint64(2), second.Sequence)
	require.Equal(t, uint64(1), other.Sequence)
}

func TestSubscribeLiveReceivesOnlyNewEvents(t *testing.T) {
	b := New(zerolog.Nop())
	publishN(b, "job-a", 3)

	sub := b.SubscribeLive("job-a")
	defer sub.Close()

	publishN(b, "job-a", 2)

	got := drain(sub)
	require.Len(t, got, 2)
	require.Equal(t, uint64(4), got[0].Sequence)
	require.Equal(t, uint64(5), got[1].Sequence)
}

func TestSubscribeFromReplaysThenContinuesLive(t *testing.T) {
	b := New(zerolog.Nop())
	publishN(b, "job-a", 5)

	sub, err := b.SubscribeFrom("job-a", 2)
	require.NoError(t, err)
	defer sub.Close()

	publishN(b, "job-a", 1)

	got := drain(sub)
	require.Len(t, got, 4)
	for i, env := range got {
		require.Equal(t, uint64(3+i), env.Sequence)
	}
}

func TestSubscribeFromZeroReplaysEverything(t *testing.T) {
	b := New(zerolog.Nop())
	publishN(b, "job-a", 3)

	sub, err := b.SubscribeFrom("job-a", 0)
	require.NoError(t, err)
	defer sub.Close()

	got := drain(sub)
	require.Len(t, got, 3)
	require.Equal(t, uint64(1), got[0].Sequence)
}

func TestSubscribeFromAheadOfStreamIsGap(t *testing.T) {
	b := New(zerolog.Nop())
	publishN(b, "job-a", 2)

	_, err := b.SubscribeFrom("job-a", 7)
	require.ErrorIs(t, err, ErrReplayGap)
}

func TestSubscribeFromEvictedSequenceIsGap(t *testing.T) {
	b := New(zerolog.Nop(), WithReplayBuffer(4))
	publishN(b, "job-a", 10)

	// Ring holds sequences 7..10; asking to resume from 3 would skip 4..6.
	_, err := b.SubscribeFrom("job-a", 3)
	require.ErrorIs(t, err, ErrReplayGap)

	// The oldest replayable position still works.
	sub, err := b.SubscribeFrom("job-a", 6)
	require.NoError(t, err)
	defer sub.Close()

	got := drain(sub)
	require.Len(t, got, 4)
	require.Equal(t, uint64(7), got[0].Sequence)
}

func TestLaggingSubscriberIsCutLoose(t *testing.T) {
	b := New(zerolog.Nop(), WithSubscriberBuffer(2))

	sub := b.SubscribeLive("job-a")
	publishN(b, "job-a", 3)

	got := drain(sub)
	require.Len(t, got, 2)
	require.True(t, sub.Lagged())

	// The channel is closed so the consumer notices.
	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New(zerolog.Nop(), WithSubscriberBuffer(2))

	slow := b.SubscribeLive("job-a")
	healthy := b.SubscribeLive("job-a")

	publishN(b, "job-a", 2)
	drain(healthy)
	publishN(b, "job-a", 2)

	require.True(t, slow.Lagged())
	require.False(t, healthy.Lagged())
	got := drain(healthy)
	require.Len(t, got, 2)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(zerolog.Nop())
	sub := b.SubscribeLive("job-a")
	sub.Close()
	sub.Close()
	require.False(t, sub.Lagged())
}

func TestReleaseClosesSubscribers(t *testing.T) {
	b := New(zerolog.Nop())
	sub := b.SubscribeLive("job-a")

	b.Release("job-a")

	_, ok := <-sub.C()
	require.False(t, ok)

	// A released job starts a fresh stream and sequence space.
	env := b.Publish(Envelope{Type: TypeJobCreated, JobID: "job-a"})
	require.Equal(t, uint64(1), env.Sequence)
}

func TestSequence(t *testing.T) {
	b := New(zerolog.Nop())
	require.Zero(t, b.Sequence("job-a"))
	publishN(b, "job-a", 3)
	require.Equal(t, uint64(3), b.Sequence("job-a"))
}
