package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMembers() []Member {
	return []Member{
		{Name: "e1", ID: 1, Type: Electable, Host: "localhost", Port: 5001, Priority: 1},
		{Name: "e2", ID: 2, Type: Electable, Host: "localhost", Port: 5002, Priority: 0},
		{Name: "e3", ID: 3, Type: Electable, Host: "localhost", Port: 5003, Priority: 1, Removed: true},
		{Name: "arb", ID: 4, Type: Arbiter, Host: "localhost", Port: 5004},
		{Name: "sec", Type: Secondary, Host: "localhost", Port: 5005},
		{Name: "ext", Type: External, Host: "localhost", Port: 5006},
	}
}

func TestView_Filters(t *testing.T) {
	v := NewView("rg1", "uuid", 7, testMembers())

	assert.Len(t, v.AllMembers(), 6)
	assert.Len(t, v.Members(), 5)
	assert.Len(t, v.Electable(), 2, "removed electable members are excluded")
	assert.Len(t, v.AckVoters(), 3, "arbiters count for acks")
	assert.Len(t, v.DataNodes(), 3, "electable and secondary nodes hold data")
	assert.Equal(t, int64(7), v.ChangeVersion())
}

func TestView_IsASnapshot(t *testing.T) {
	members := testMembers()
	v := NewView("rg1", "uuid", 1, members)

	members[0].Host = "mutated"
	m, ok := v.Member("e1")
	assert.True(t, ok)
	assert.Equal(t, "localhost", m.Host)

	out := v.Members()
	out[0].Host = "mutated"
	m, _ = v.Member(out[0].Name)
	assert.Equal(t, "localhost", m.Host)
}

func TestView_PriorityZeroStillElectable(t *testing.T) {
	v := NewView("rg1", "uuid", 1, testMembers())
	m, ok := v.Member("e2")
	assert.True(t, ok)
	assert.Equal(t, 0, m.Priority)
	assert.Contains(t, v.Electable(), m)
}

func TestPeers(t *testing.T) {
	v := NewView("rg1", "uuid", 1, testMembers())
	peers := Peers(v.Electable(), "e1")
	assert.Len(t, peers, 1)
	assert.Equal(t, "e2", peers[0].Name)
}

func TestParseNodeType(t *testing.T) {
	for _, typ := range []NodeType{Electable, Secondary, Arbiter, External} {
		parsed, err := ParseNodeType(typ.String())
		assert.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseNodeType("monitor")
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	host, port, err := ParseAddress("localhost:5001")
	assert.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 5001, port)

	_, _, err = ParseAddress("localhost")
	assert.Error(t, err)
	_, _, err = ParseAddress("localhost:99999")
	assert.Error(t, err)
}
