package databend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"
)

func init() {
	sql.Register("databend", &databendDriver{})
}

// --- Parameter Interpolation ---

// valueToSQL converts a Go driver.Value to a SQL literal string.
func valueToSQL(v driver.Value) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		escaped := strings.ReplaceAll(val, "'", "''")
		return "'" + escaped + "'", nil
	case []byte:
		return "unhex('" + hex.EncodeToString(val) + "')", nil
	case time.Time:
		return "'" + val.Format("2006-01-02 15:04:05.000000") + "'", nil
	default:
		return "", newError(KindBadArgument, "unsupported parameter type: %T", v)
	}
}

// interpolateParams replaces ? placeholders in the query with SQL literals.
// It skips ? characters inside single-quoted string literals.
func interpolateParams(query string, args []driver.Value) (string, error) {
	if len(args) == 0 {
		return query, nil
	}

	var buf strings.Builder
	buf.Grow(len(query) + len(args)*8)
	argIdx := 0
	inString := false

	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			if inString && i+1 < len(query) && query[i+1] == '\'' {
				// Escaped quote inside string literal
				buf.WriteByte('\'')
				buf.WriteByte('\'')
				i++
				continue
			}
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if ch == '?' && !inString {
			if argIdx >= len(args) {
				return "", newError(KindBadArgument,
					"not enough arguments: query has more placeholders than the %d provided arguments", len(args))
			}
			s, err := valueToSQL(args[argIdx])
			if err != nil {
				return "", err
			}
			buf.WriteString(s)
			argIdx++
			continue
		}
		buf.WriteByte(ch)
	}

	if argIdx != len(args) {
		return "", newError(KindBadArgument,
			"too many arguments: %d provided but only %d placeholders in query", len(args), argIdx)
	}
	return buf.String(), nil
}

// --- Driver Types ---

// databendDriver implements driver.Driver and driver.DriverContext.
type databendDriver struct{}

var _ driver.Driver = (*databendDriver)(nil)
var _ driver.DriverContext = (*databendDriver)(nil)

// Open implements driver.Driver. It parses the DSN and returns a new connection.
func (d *databendDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *databendDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- Connector ---

// databendConnector implements driver.Connector. Each Connect call produces
// a fresh Client: session state (current database, open transaction,
// settings) is per logical connection, so connections cannot share one.
type databendConnector struct {
	cfg *Config
}

var _ driver.Connector = (*databendConnector)(nil)

// NewConnector creates a new driver.Connector from a DSN string.
// Use this with sql.OpenDB for connection pool management.
func NewConnector(dsn string) (driver.Connector, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &databendConnector{cfg: cfg}, nil
}

// Connect implements driver.Connector.
func (c *databendConnector) Connect(ctx context.Context) (driver.Conn, error) {
	client, err := newClient(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	return &databendConn{client: client}, nil
}

// Driver implements driver.Connector.
func (c *databendConnector) Driver() driver.Driver {
	return &databendDriver{}
}

// --- Connection ---

// databendConn implements driver.Conn, driver.QueryerContext,
// driver.ExecerContext, and driver.ConnBeginTx.
type databendConn struct {
	client *Client
}

var _ driver.Conn = (*databendConn)(nil)
var _ driver.QueryerContext = (*databendConn)(nil)
var _ driver.ExecerContext = (*databendConn)(nil)
var _ driver.ConnBeginTx = (*databendConn)(nil)

// Prepare implements driver.Conn.
func (c *databendConn) Prepare(query string) (driver.Stmt, error) {
	return &databendStmt{conn: c, query: query}, nil
}

// Close implements driver.Conn.
func (c *databendConn) Close() error {
	return c.client.Close()
}

// Begin implements driver.Conn. Use BeginTx instead.
func (c *databendConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. The transaction state lives in the
// server-side session record; the client just issues the statements.
func (c *databendConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.Isolation != 0 && driver.IsolationLevel(opts.Isolation) != driver.IsolationLevel(sql.LevelDefault) {
		return nil, newError(KindBadArgument, "isolation level %d is not supported", opts.Isolation)
	}
	if opts.ReadOnly {
		return nil, newError(KindBadArgument, "read-only transactions are not supported")
	}

	if _, err := c.execDirect(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	return &databendTx{conn: c}, nil
}

// QueryContext implements driver.QueryerContext.
func (c *databendConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	interpolated, err := interpolateParams(query, namedToPositional(args))
	if err != nil {
		return nil, err
	}

	pages, err := c.client.StartQuery(ctx, interpolated)
	if err != nil {
		return nil, err
	}

	// Block until column metadata arrives; the carrying page is pushed back
	// so the first rows are not lost.
	schema, err := pages.WaitForSchema(ctx)
	if err != nil {
		return nil, err
	}

	return &databendRows{pages: pages, ctx: ctx, schema: schema}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *databendConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	interpolated, err := interpolateParams(query, namedToPositional(args))
	if err != nil {
		return nil, err
	}
	return c.execDirect(ctx, interpolated)
}

// execDirect executes a query and drains all pages, returning the final stats.
func (c *databendConn) execDirect(ctx context.Context, query string) (driver.Result, error) {
	pages, err := c.client.StartQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	result, err := pages.All(ctx)
	if err != nil {
		return nil, err
	}
	return &databendResult{stats: result.Stats}, nil
}

// namedToPositional converts named values to a positional driver.Value slice.
func namedToPositional(args []driver.NamedValue) []driver.Value {
	positional := make([]driver.Value, len(args))
	for i, arg := range args {
		positional[i] = arg.Value
	}
	return positional
}

// --- Result ---

// databendResult implements driver.Result.
type databendResult struct {
	stats QueryStats
}

var _ driver.Result = (*databendResult)(nil)

// LastInsertId implements driver.Result. The engine has no auto-increment ids.
func (r *databendResult) LastInsertId() (int64, error) {
	return 0, newError(KindBadArgument, "LastInsertId is not supported")
}

// RowsAffected implements driver.Result, from the server's write progress.
func (r *databendResult) RowsAffected() (int64, error) {
	return r.stats.WriteProgress.Rows, nil
}

// --- Rows ---

// databendRows implements driver.Rows over a page stream. Cell values
// surface as strings with NULL as nil; typed decoding is left to callers.
type databendRows struct {
	pages  *Pages
	ctx    context.Context
	schema []Field

	// current page of rows and position within it
	rows [][]*string
	pos  int

	closed bool
}

var _ driver.Rows = (*databendRows)(nil)

// Columns implements driver.Rows.
func (r *databendRows) Columns() []string {
	names := make([]string, len(r.schema))
	for i, f := range r.schema {
		names[i] = f.Name
	}
	return names
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *databendRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < 0 || index >= len(r.schema) {
		return ""
	}
	return strings.ToUpper(r.schema[index].Type)
}

// Close implements driver.Rows.
func (r *databendRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pages.Close(context.Background())
	return nil
}

// Next implements driver.Rows.
func (r *databendRows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}

	for r.pos >= len(r.rows) {
		pg, err := r.pages.Next(r.ctx)
		if err != nil {
			return err
		}
		if pg == nil {
			return io.EOF
		}
		if len(pg.Schema) > 0 {
			r.schema = pg.Schema
		}
		r.rows = pg.Data
		r.pos = 0
	}

	row := r.rows[r.pos]
	r.pos++

	for i := range dest {
		if i >= len(row) || row[i] == nil {
			dest[i] = nil
			continue
		}
		dest[i] = *row[i]
	}
	return nil
}

// --- Statement ---

// databendStmt implements driver.Stmt, driver.StmtQueryContext, and
// driver.StmtExecContext.
type databendStmt struct {
	conn  *databendConn
	query string
}

var _ driver.Stmt = (*databendStmt)(nil)
var _ driver.StmtQueryContext = (*databendStmt)(nil)
var _ driver.StmtExecContext = (*databendStmt)(nil)

// Close implements driver.Stmt.
func (s *databendStmt) Close() error {
	return nil
}

// NumInput implements driver.Stmt. Returns -1 to disable driver-side validation.
func (s *databendStmt) NumInput() int {
	return -1
}

// Exec implements driver.Stmt.
func (s *databendStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements driver.Stmt.
func (s *databendStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *databendStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *databendStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

// namedValues converts positional args to a NamedValue slice.
func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Transaction ---

// databendTx implements driver.Tx.
type databendTx struct {
	conn *databendConn
}

var _ driver.Tx = (*databendTx)(nil)

// Commit implements driver.Tx.
func (tx *databendTx) Commit() error {
	_, err := tx.conn.execDirect(context.Background(), "COMMIT")
	return err
}

// Rollback implements driver.Tx.
func (tx *databendTx) Rollback() error {
	_, err := tx.conn.execDirect(context.Background(), "ROLLBACK")
	return err
}
