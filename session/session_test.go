package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/vinayprograms/peerbus/errors"
)

type acceptAll struct{}

func (acceptAll) AcceptSessionJoiner(Port, string, Opts) bool { return true }
func (acceptAll) SessionJoined(Port, ID, string)              {}

func TestOpts_IsCompatible(t *testing.T) {
	base := DefaultOpts()
	tests := []struct {
		name  string
		other Opts
		want  bool
	}{
		{"identical", base, true},
		{"multipoint ignored", Opts{TrafficMessages, true, ProximityAny, TransportAny}, true},
		{"unset masks mean any", Opts{}, true},
		{"overlapping transports", Opts{TrafficMessages, false, ProximityAny, TransportTCP}, true},
		{"disjoint traffic", Opts{TrafficRawReliable, false, ProximityAny, TransportAny}, false},
		{"narrow proximity", Opts{TrafficMessages, false, ProximityPhysical, TransportAny}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.IsCompatible(tt.other))
			assert.Equal(t, tt.want, tt.other.IsCompatible(base), "compatibility is symmetric")
		})
	}

	tcpOnly := Opts{TrafficMessages, false, ProximityPhysical, TransportTCP}
	udpOnly := Opts{TrafficMessages, false, ProximityNetwork, TransportUDP}
	assert.False(t, tcpOnly.IsCompatible(udpOnly))

	zero := Opts{}
	assert.True(t, zero.IsCompatible(zero), "options without masks are compatible with themselves")
	assert.True(t, Opts{Transports: TransportTCP}.IsCompatible(tcpOnly))
	assert.False(t, Opts{Transports: TransportUDP}.IsCompatible(tcpOnly))
}

func TestOpts_Negotiate(t *testing.T) {
	host := Opts{TrafficMessages, true, ProximityAny, TransportTCP | TransportUDP}
	joiner := Opts{TrafficMessages, false, ProximityNetwork, TransportTCP}

	got := host.Negotiate(joiner)
	assert.Equal(t, Opts{TrafficMessages, true, ProximityNetwork, TransportTCP}, got)
	assert.Contains(t, got.String(), "transports=tcp")

	assert.Equal(t, DefaultOpts(), Opts{}.Negotiate(Opts{}), "unset fields negotiate to the defaults")
}

func TestTable_BindPort(t *testing.T) {
	tbl := NewTable(":self.1")

	p, err := tbl.BindPort(42, DefaultOpts(), acceptAll{})
	require.NoError(t, err)
	assert.Equal(t, Port(42), p)

	_, err = tbl.BindPort(42, DefaultOpts(), acceptAll{})
	require.Error(t, err)
	assert.True(t, buserr.Is(err, buserr.ErrCodePortInUse))

	dyn, err := tbl.BindPort(PortAny, DefaultOpts(), acceptAll{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dyn, firstDynamicPort)

	dyn2, err := tbl.BindPort(PortAny, DefaultOpts(), acceptAll{})
	require.NoError(t, err)
	assert.NotEqual(t, dyn, dyn2)

	_, err = tbl.BindPort(7, DefaultOpts(), nil)
	assert.Error(t, err)

	b, ok := tbl.Binding(42)
	require.True(t, ok)
	assert.Equal(t, Port(42), b.Port)

	require.NoError(t, tbl.UnbindPort(42))
	assert.True(t, buserr.Is(tbl.UnbindPort(42), buserr.ErrCodeNotFound))
}

func TestTable_CreateAndMembership(t *testing.T) {
	tbl := NewTable(":host.1")

	s, err := tbl.Create(InvalidID, 42, ":host.1", DefaultOpts())
	require.NoError(t, err)
	assert.NotEqual(t, InvalidID, s.ID())
	assert.True(t, s.IsHost())
	assert.Equal(t, StateNegotiating, s.State())
	assert.Equal(t, []string{":host.1"}, s.Members())

	assert.True(t, s.Activate())
	assert.False(t, s.Activate())

	assert.True(t, s.AddMember(":joiner.1"))
	assert.False(t, s.AddMember(":joiner.1"))
	assert.Equal(t, []string{":joiner.1"}, s.Peers())
	assert.Equal(t, 2, s.MemberCount())

	_, err = tbl.Create(s.ID(), 42, ":host.1", DefaultOpts())
	assert.True(t, buserr.Is(err, buserr.ErrCodeAlreadyExists))

	got, ok := tbl.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.Len(t, tbl.SessionsWith(":joiner.1"), 1)
	assert.Empty(t, tbl.SessionsWith(":stranger.1"))

	assert.True(t, s.RemoveMember(":joiner.1"))
	assert.False(t, s.RemoveMember(":joiner.1"))

	removed, ok := tbl.Remove(s.ID())
	require.True(t, ok)
	assert.Equal(t, StateClosed, removed.State())
	assert.False(t, removed.AddMember(":late.1"), "closed sessions accept no members")
}

func TestTable_HostedMultipoint(t *testing.T) {
	tbl := NewTable(":host.1")
	opts := DefaultOpts()
	opts.Multipoint = true

	_, ok := tbl.HostedMultipoint(5)
	assert.False(t, ok)

	s, err := tbl.Create(InvalidID, 5, ":host.1", opts)
	require.NoError(t, err)
	_, ok = tbl.HostedMultipoint(5)
	assert.False(t, ok, "negotiating sessions are not reused")

	s.Activate()
	got, ok := tbl.HostedMultipoint(5)
	require.True(t, ok)
	assert.Same(t, s, got)

	joined, err := tbl.Create(InvalidID, 5, ":other.1", opts)
	require.NoError(t, err)
	joined.Activate()
	got, _ = tbl.HostedMultipoint(5)
	assert.Same(t, s, got, "sessions joined elsewhere are not hosted here")
}

func TestTable_CloseAll(t *testing.T) {
	tbl := NewTable(":self.1")
	for i := 0; i < 3; i++ {
		_, err := tbl.Create(InvalidID, 1, ":self.1", DefaultOpts())
		require.NoError(t, err)
	}
	closed := tbl.CloseAll()
	assert.Len(t, closed, 3)
	assert.Empty(t, tbl.All())
	for _, s := range closed {
		assert.Equal(t, StateClosed, s.State())
	}
	assert.Empty(t, tbl.CloseAll())
}

func TestSession_ConcurrentMembership(t *testing.T) {
	tbl := NewTable(":host.1")
	s, err := tbl.Create(InvalidID, 1, ":host.1", DefaultOpts())
	require.NoError(t, err)
	s.Activate()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		name := string(rune('a'+i%26)) + string(rune('0'+i/26))
		go func() {
			defer wg.Done()
			s.AddMember(name)
		}()
		go func() {
			defer wg.Done()
			_ = s.Members()
		}()
	}
	wg.Wait()
	assert.Equal(t, 51, s.MemberCount())
}

func TestLostReasonString(t *testing.T) {
	assert.Equal(t, "link_lost", ReasonLinkLost.String())
	assert.Equal(t, "remote_end_left", ReasonRemoteEndLeft.String())
	assert.Equal(t, "other", LostReason(99).String())
}
