package databend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueToSQL(t *testing.T) {
	cases := []struct {
		in   driver.Value
		want string
	}{
		{nil, "NULL"},
		{int64(42), "42"},
		{float64(1.5), "1.5"},
		{true, "TRUE"},
		{false, "FALSE"},
		{"it's", "'it''s'"},
		{[]byte{0xde, 0xad}, "unhex('dead')"},
		{time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), "'2024-03-01 12:30:00.000000'"},
	}
	for _, tc := range cases {
		got, err := valueToSQL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := valueToSQL(struct{}{})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindBadArgument, kind)
}

func TestInterpolateParams(t *testing.T) {
	got, err := interpolateParams("SELECT * FROM t WHERE a = ? AND b = ?", []driver.Value{int64(1), "x"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = 1 AND b = 'x'", got)

	// A ? inside a string literal is not a placeholder.
	got, err = interpolateParams("SELECT '?' , ?", []driver.Value{int64(7)})
	require.NoError(t, err)
	assert.Equal(t, "SELECT '?' , 7", got)

	// Escaped quotes keep the literal open.
	got, err = interpolateParams("SELECT 'it''s ?' , ?", []driver.Value{int64(7)})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'it''s ?' , 7", got)

	// No args passes the query through untouched.
	got, err = interpolateParams("SELECT ?", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT ?", got)

	_, err = interpolateParams("SELECT ?, ?", []driver.Value{int64(1)})
	require.Error(t, err)

	_, err = interpolateParams("SELECT ?", []driver.Value{int64(1), int64(2)})
	require.Error(t, err)
}

// sqlRecorder serves a fixed result set and records every SQL statement it
// receives.
type sqlRecorder struct {
	mux *http.ServeMux

	mu   sync.Mutex
	sqls []string
	resp func(sql string) *QueryResponse
}

func newSQLRecorder(resp func(sql string) *QueryResponse) *sqlRecorder {
	s := &sqlRecorder{mux: http.NewServeMux(), resp: resp}
	s.mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.sqls = append(s.sqls, req.SQL)
		s.mu.Unlock()
		writeJSON(w, s.resp(req.SQL))
	})
	return s
}

func (s *sqlRecorder) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sqls...)
}

func TestDriver_QueryRoundTrip(t *testing.T) {
	rec := newSQLRecorder(func(string) *QueryResponse {
		return &QueryResponse{
			ID:     "q",
			Schema: []Field{{Name: "n", Type: "Int32"}, {Name: "s", Type: "String"}},
			Data:   [][]*string{{strPtr("1"), strPtr("a")}, {strPtr("2"), nil}},
			State:  "Succeeded",
		}
	})

	db, err := sql.Open("databend", testDSN(t, rec.mux))
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.QueryContext(context.Background(), "SELECT n, s FROM t WHERE n > ?", 0)
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "s"}, cols)

	type row struct {
		n string
		s sql.NullString
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.n, &r.s))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].n)
	assert.Equal(t, "a", got[0].s.String)
	assert.Equal(t, "2", got[1].n)
	assert.False(t, got[1].s.Valid)

	assert.Equal(t, []string{"SELECT n, s FROM t WHERE n > 0"}, rec.recorded())
}

func TestDriver_ExecRowsAffected(t *testing.T) {
	rec := newSQLRecorder(func(string) *QueryResponse {
		return &QueryResponse{
			ID:    "q",
			State: "Succeeded",
			Stats: QueryStats{WriteProgress: Progress{Rows: 3}},
		}
	})

	db, err := sql.Open("databend", testDSN(t, rec.mux))
	require.NoError(t, err)
	defer db.Close()

	result, err := db.ExecContext(context.Background(), "INSERT INTO t VALUES (?)", 9)
	require.NoError(t, err)
	affected, err := result.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
	assert.Equal(t, []string{"INSERT INTO t VALUES (9)"}, rec.recorded())
}

func TestDriver_TransactionStatements(t *testing.T) {
	rec := newSQLRecorder(func(string) *QueryResponse {
		return &QueryResponse{ID: "q", State: "Succeeded"}
	})

	db, err := sql.Open("databend", testDSN(t, rec.mux))
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	tx, err := conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(context.Background(), "DELETE FROM t")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, []string{"BEGIN", "DELETE FROM t", "COMMIT"}, rec.recorded())
}

func TestDriver_RollbackStatement(t *testing.T) {
	rec := newSQLRecorder(func(string) *QueryResponse {
		return &QueryResponse{ID: "q", State: "Succeeded"}
	})

	db, err := sql.Open("databend", testDSN(t, rec.mux))
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	tx, err := conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, rec.recorded())
}

func TestDriver_PreparedStatement(t *testing.T) {
	rec := newSQLRecorder(func(string) *QueryResponse {
		return &QueryResponse{
			ID:     "q",
			Schema: []Field{{Name: "n", Type: "Int32"}},
			Data:   [][]*string{{strPtr("5")}},
			State:  "Succeeded",
		}
	})

	db, err := sql.Open("databend", testDSN(t, rec.mux))
	require.NoError(t, err)
	defer db.Close()

	stmt, err := db.PrepareContext(context.Background(), "SELECT n FROM t WHERE n = ?")
	require.NoError(t, err)
	defer stmt.Close()

	var n string
	require.NoError(t, stmt.QueryRowContext(context.Background(), 5).Scan(&n))
	assert.Equal(t, "5", n)
	assert.Equal(t, []string{"SELECT n FROM t WHERE n = 5"}, rec.recorded())
}
