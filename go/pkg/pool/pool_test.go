package pool

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-engine/go/pkg/shared"
)

func TestAddTokenIsIdempotent(t *testing.T) {
	p := New(Config{Connections: 2, Capacity: 2})
	id, err := p.AddToken("a", shared.TierOnDemand, 0)
	require.NoError(t, err)
	again, err := p.AddToken("a", shared.TierOnDemand, 0)
	assert.ErrorIs(t, err, shared.ErrAlreadySubscribed)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, p.Total())
}

func TestLeastLoadedActiveSlotWinsLowestIDOnTies(t *testing.T) {
	p := New(Config{Connections: 3, Capacity: 10})

	// nothing active: spread over all slots
	for i, want := range []int{1, 2, 3, 1} {
		id, err := p.AddToken("t"+strconv.Itoa(i), shared.TierOnDemand, 0)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	require.NoError(t, p.MarkConnected(2))
	require.NoError(t, p.MarkConnected(3))
	id, err := p.AddToken("x", shared.TierOnDemand, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, id, "active slots only, tie broken by lowest id")
	id, _ = p.AddToken("y", shared.TierOnDemand, 0)
	assert.Equal(t, 3, id)
}

func TestFullActiveSlotsFallBackToAnySlotWithRoom(t *testing.T) {
	p := New(Config{Connections: 2, Capacity: 1})
	require.NoError(t, p.MarkConnected(1))
	id, _ := p.AddToken("a", shared.TierOnDemand, 0)
	assert.Equal(t, 1, id)
	id, err := p.AddToken("b", shared.TierOnDemand, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	_, err = p.AddToken("c", shared.TierPermanent, 0)
	assert.ErrorIs(t, err, shared.ErrNoCapacity)
}

func TestForcedSlotAtCapacity(t *testing.T) {
	p := New(Config{Connections: 2, Capacity: 1})
	_, err := p.AddToken("a", shared.TierOnDemand, 1)
	require.NoError(t, err)
	_, err = p.AddToken("b", shared.TierOnDemand, 1)
	assert.ErrorIs(t, err, shared.ErrWSAtCapacity)
	_, err = p.AddToken("b", shared.TierOnDemand, 7)
	assert.ErrorIs(t, err, shared.ErrUnknownSlot)
}

func TestOnDemandRejectedInsideReserve(t *testing.T) {
	p := New(Config{Connections: 1, Capacity: 3, ReservePermanent: 1})
	for _, tok := range []string{"a", "b"} {
		_, err := p.AddToken(tok, shared.TierOnDemand, 0)
		require.NoError(t, err)
	}
	_, err := p.AddToken("c", shared.TierOnDemand, 0)
	assert.ErrorIs(t, err, shared.ErrNoCapacity)
	_, err = p.AddToken("c", shared.TierPermanent, 0)
	assert.NoError(t, err)
	_, err = p.AddToken("d", shared.TierPermanent, 0)
	assert.ErrorIs(t, err, shared.ErrNoCapacity)
}

func TestRemoveTokenFreesCapacity(t *testing.T) {
	p := New(Config{Connections: 1, Capacity: 1})
	p.AddToken("a", shared.TierOnDemand, 0)
	assert.True(t, p.RemoveToken("a"))
	assert.False(t, p.RemoveToken("a"))
	_, err := p.AddToken("b", shared.TierOnDemand, 0)
	assert.NoError(t, err)
}

func TestRebalanceMovesOffInactiveSlots(t *testing.T) {
	p := New(Config{Connections: 3, Capacity: 3})
	for i := 0; i < 6; i++ {
		p.AddToken("t"+strconv.Itoa(i), shared.TierOnDemand, 0)
	}
	require.NoError(t, p.MarkConnected(2))
	require.NoError(t, p.MarkConnected(3))
	require.NoError(t, p.MarkDisconnected(1, errors.New("eof")))

	moved, log := p.Rebalance()
	assert.Equal(t, 2, moved)
	require.Len(t, log, 2)
	for _, m := range log {
		assert.Equal(t, 1, m.From)
		id, _ := p.SlotOf(m.Token)
		assert.Equal(t, m.To, id)
	}
	assert.Empty(t, p.Tokens(1))
	stats := p.Stats()
	assert.Equal(t, 3, stats[1].Assigned)
	assert.Equal(t, 3, stats[2].Assigned)
	assert.Equal(t, 1, stats[0].ReconnectAttempts)
	assert.Equal(t, "eof", stats[0].LastError)
}

func TestRebalanceLeavesStrandedTokens(t *testing.T) {
	p := New(Config{Connections: 2, Capacity: 2})
	for _, tok := range []string{"a", "b", "c", "d"} {
		p.AddToken(tok, shared.TierOnDemand, 0)
	}
	require.NoError(t, p.MarkConnected(2))
	moved, _ := p.Rebalance()
	assert.Zero(t, moved, "active slot already full")
	assert.Len(t, p.Tokens(1), 2)

	require.NoError(t, p.SetActive(2, false))
	moved, _ = p.Rebalance()
	assert.Zero(t, moved, "no active destination")
	assert.Equal(t, 4, p.Total())
}

func TestCapacityInvariantUnderRandomOps(t *testing.T) {
	const slots, capacity = 3, 4
	p := New(Config{Connections: slots, Capacity: capacity})
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		tok := strconv.Itoa(rng.Intn(30))
		switch rng.Intn(5) {
		case 0, 1:
			_, err := p.AddToken(tok, shared.TierOnDemand, 0)
			if err != nil && !errors.Is(err, shared.ErrAlreadySubscribed) {
				require.ErrorIs(t, err, shared.ErrNoCapacity)
			}
		case 2:
			p.RemoveToken(tok)
		case 3:
			id := 1 + rng.Intn(slots)
			if rng.Intn(2) == 0 {
				p.MarkConnected(id)
			} else {
				p.MarkDisconnected(id, nil)
			}
		case 4:
			p.Rebalance()
		}

		seen := map[string]int{}
		sum := 0
		for _, st := range p.Stats() {
			require.LessOrEqual(t, st.Assigned, capacity)
			sum += st.Assigned
			for _, tk := range p.Tokens(st.ID) {
				seen[tk]++
			}
		}
		require.LessOrEqual(t, sum, slots*capacity)
		require.Equal(t, p.Total(), sum)
		for tk, n := range seen {
			require.Equal(t, 1, n, "token %s on %d slots", tk, n)
		}
	}
}
