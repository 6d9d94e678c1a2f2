package databend

// Wire contract for the HTTP query protocol. Field names and shapes must be
// reproduced exactly for interoperability with the server.

// Field describes one column of a result set.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Progress is one progress counter pair reported by the server.
type Progress struct {
	Rows  int64 `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// QueryStats carries the server's cumulative progress counters and running
// time. Stats are cumulative by server convention: later pages supersede
// earlier ones, the client never adds them up.
type QueryStats struct {
	ScanProgress   Progress `json:"scan_progress"`
	WriteProgress  Progress `json:"write_progress"`
	ResultProgress Progress `json:"result_progress"`
	RunningTime    Duration `json:"running_time_ms"`
}

// hasProgress reports whether any counter is non-zero.
func (s *QueryStats) hasProgress() bool {
	return s.ScanProgress != (Progress{}) ||
		s.WriteProgress != (Progress{}) ||
		s.ResultProgress != (Progress{})
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	SQL             string            `json:"sql"`
	Session         *SessionState     `json:"session,omitempty"`
	Pagination      *PaginationConfig `json:"pagination,omitempty"`
	StageAttachment *StageAttachment  `json:"stage_attachment,omitempty"`
}

// StageAttachment points a query at staged data for bulk-load flows.
type StageAttachment struct {
	Location          string            `json:"location"`
	FileFormatOptions map[string]string `json:"file_format_options,omitempty"`
	CopyOptions       map[string]string `json:"copy_options,omitempty"`
}

// QueryResponse is the shape of both the initial POST /v1/query reply and
// every GET <next_uri> page that follows.
type QueryResponse struct {
	// ID is the query identifier. It echoes the client-generated id.
	ID string `json:"id"`

	// NodeID is the server-assigned backend identifier, replayed via the
	// sticky-node header when the session requests stickiness.
	NodeID string `json:"node_id,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// Session, when present, fully replaces the client's cached state.
	Session *SessionState `json:"session,omitempty"`

	// Schema is empty except on the page that introduces or changes it.
	Schema []Field `json:"schema"`

	// Data is row-major with NULL cells as nil; values arrive pre-typed as
	// strings.
	Data [][]*string `json:"data"`

	State string `json:"state"`

	// Error, when non-nil, marks a failed query inside a 200-level reply.
	Error *ServerError `json:"error,omitempty"`

	Warnings []string `json:"warnings,omitempty"`

	Stats QueryStats `json:"stats"`

	StatsURI *string `json:"stats_uri,omitempty"`
	FinalURI *string `json:"final_uri,omitempty"`

	// NextURI is the continuation link; nil marks end-of-stream. A page with
	// no data and no schema but a populated NextURI is not end-of-stream.
	NextURI *string `json:"next_uri,omitempty"`

	KillURI *string `json:"kill_uri,omitempty"`
}

// Page is one immutable unit of result transfer surfaced by the stream.
type Page struct {
	Schema []Field
	Data   [][]*string
	Stats  QueryStats
}

// page snapshots the result-bearing parts of a response.
func (r *QueryResponse) page() *Page {
	return &Page{Schema: r.Schema, Data: r.Data, Stats: r.Stats}
}

// blank reports whether the page carries neither schema, nor rows, nor
// progress. Such pages exist purely to keep the continuation chain alive.
func (p *Page) blank() bool {
	return len(p.Schema) == 0 && len(p.Data) == 0 && !p.Stats.hasProgress()
}

// LoginRequest is the body of POST /v1/session/login.
type LoginRequest struct {
	Database string            `json:"database,omitempty"`
	Role     string            `json:"role,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// LoginResponse is the tagged union returned by the login and refresh
// endpoints: a populated Error field selects the error variant.
type LoginResponse struct {
	Version                   string       `json:"version,omitempty"`
	SessionID                 string       `json:"session_id,omitempty"`
	SessionToken              string       `json:"session_token,omitempty"`
	SessionTokenValidityInSec int64        `json:"session_token_validity_in_secs,omitempty"`
	RefreshToken              string       `json:"refresh_token,omitempty"`
	RefreshTokenValidityInSec int64        `json:"refresh_token_validity_in_secs,omitempty"`
	Error                     *ServerError `json:"error,omitempty"`
}

// RefreshRequest is the body of POST /v1/session/refresh, authenticated
// with the refresh token as bearer.
type RefreshRequest struct {
	SessionToken string `json:"session_token"`
}

// HeartbeatRequest is the body of POST /v1/session/heartbeat.
type HeartbeatRequest struct {
	NodeToQueries map[string][]string `json:"node_to_queries,omitempty"`
}
