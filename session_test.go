package databend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionState_Clone(t *testing.T) {
	s := &SessionState{
		Database:       "db1",
		Role:           "admin",
		SecondaryRoles: []string{"r1", "r2"},
		Settings:       map[string]string{"timezone": "UTC"},
		TxnState:       txnStateActive,
	}

	c := s.clone()
	c.Settings["timezone"] = "PST"
	c.SecondaryRoles[0] = "other"
	c.Database = "db2"

	assert.Equal(t, "UTC", s.Settings["timezone"])
	assert.Equal(t, "r1", s.SecondaryRoles[0])
	assert.Equal(t, "db1", s.Database)
}

func TestSessionState_CloneNil(t *testing.T) {
	var s *SessionState
	assert.Nil(t, s.clone())
}

func TestSessionState_InActiveTxn(t *testing.T) {
	assert.False(t, (*SessionState)(nil).inActiveTxn())
	assert.False(t, (&SessionState{}).inActiveTxn())
	assert.False(t, (&SessionState{TxnState: "AutoCommit"}).inActiveTxn())
	assert.True(t, (&SessionState{TxnState: "Active"}).inActiveTxn())
}

func TestRouteHintGenerator(t *testing.T) {
	var g routeHintGenerator

	h1 := g.next()
	h2 := g.next()

	assert.NotEqual(t, h1, h2)
	for _, h := range []string{h1, h2} {
		parts := strings.Split(h, ":")
		require.Len(t, parts, 3)
		assert.Equal(t, "rh", parts[0])
		assert.Len(t, parts[1], 36) // uuid
	}
	assert.True(t, strings.HasSuffix(h1, ":1"))
	assert.True(t, strings.HasSuffix(h2, ":2"))
}
