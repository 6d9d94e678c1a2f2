package databend

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Pages presents the chain of next_uri fetches for one query as a single
// lazy, forward-only sequence of result pages. It is single-pass and never
// restartable: once an error surfaces, the stream stops producing.
//
// Pages is not safe for concurrent use; the server's next_uri chain is
// strictly ordered and concurrent fetches against one query id are
// meaningless.
type Pages struct {
	client       *Client
	queryID      string
	nodeID       string
	needProgress bool

	next     *string
	finalURI *string
	buffered *Page
	schema   []Field
	err      error
}

func newPages(c *Client, queryID string, first *QueryResponse, needProgress bool) *Pages {
	p := &Pages{
		client:       c,
		queryID:      queryID,
		nodeID:       first.NodeID,
		needProgress: needProgress,
		next:         first.NextURI,
		finalURI:     first.FinalURI,
		buffered:     first.page(),
	}
	if len(first.Schema) > 0 {
		p.schema = first.Schema
	}
	return p
}

// QueryID returns the client-generated id of the underlying query.
func (p *Pages) QueryID() string { return p.queryID }

// Schema returns the latest column metadata seen on the stream.
func (p *Pages) Schema() []Field { return p.schema }

// HasMore reports whether another page may be available. It returns false
// once the stream is exhausted or has failed.
func (p *Pages) HasMore() bool {
	return p.err == nil && (p.buffered != nil || p.next != nil)
}

// Next returns the next page, fetching lazily through the client. Pages
// with neither schema nor rows are continuation beacons and are skipped
// transparently unless progress reporting was requested. Next returns
// (nil, nil) when the stream is exhausted; after an error it keeps
// returning that error.
func (p *Pages) Next(ctx context.Context) (*Page, error) {
	if p.err != nil {
		return nil, p.err
	}

	for {
		pg := p.buffered
		p.buffered = nil

		if pg == nil {
			if p.next == nil {
				return nil, nil
			}
			resp, err := p.client.QueryPage(ctx, p.queryID, *p.next, p.nodeID)
			if err != nil {
				p.err = err
				return nil, err
			}
			if resp.NodeID != "" {
				p.nodeID = resp.NodeID
			}
			p.next = resp.NextURI
			if resp.FinalURI != nil {
				p.finalURI = resp.FinalURI
			}
			pg = resp.page()
		}

		if len(pg.Schema) > 0 {
			p.schema = pg.Schema
		}

		// Empty continuation pages stay invisible to progress-unaware
		// consumers; keep polling until real content or end-of-stream.
		if !p.needProgress && len(pg.Schema) == 0 && len(pg.Data) == 0 {
			if p.next == nil {
				return nil, nil
			}
			continue
		}

		return pg, nil
	}
}

// WaitForSchema drains pages until one carries a non-empty schema, rows, or
// (for progress-aware streams) a non-zero progress counter, then pushes
// that page back so normal consumption does not lose it. It returns the
// column metadata, which may be known before the first real row arrives.
func (p *Pages) WaitForSchema(ctx context.Context) ([]Field, error) {
	for {
		pg, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		if pg == nil {
			return p.schema, nil
		}
		if len(pg.Schema) > 0 || len(pg.Data) > 0 ||
			(p.needProgress && pg.Stats.hasProgress()) {
			p.buffered = pg
			return p.schema, nil
		}
	}
}

// QueryResult is the accumulated form of a drained page stream.
type QueryResult struct {
	Schema []Field
	Data   [][]*string
	Stats  QueryStats
}

// merge folds one page into the aggregate: a later schema supersedes the
// earlier one, rows concatenate, and stats replace (the server reports them
// cumulatively).
func (r *QueryResult) merge(pg *Page) {
	if len(pg.Schema) > 0 {
		r.Schema = pg.Schema
	}
	r.Data = append(r.Data, pg.Data...)
	r.Stats = pg.Stats
}

// All drains the stream into one logical result.
func (p *Pages) All(ctx context.Context) (*QueryResult, error) {
	result := new(QueryResult)
	for {
		pg, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		if pg == nil {
			return result, nil
		}
		result.merge(pg)
	}
}

// Kill asks the server to cancel the underlying query. It is a best-effort
// separate request: an in-flight Next call is not aborted locally.
func (p *Pages) Kill(ctx context.Context) error {
	return p.client.KillQuery(ctx, p.queryID)
}

// Close tells the server the result will not be consumed further by hitting
// the final URI, if one was advertised. Failures are logged, not returned:
// the server reaps abandoned queries on its own eventually.
func (p *Pages) Close(ctx context.Context) {
	if p.finalURI == nil {
		return
	}
	req, err := p.client.newRequest(http.MethodGet, *p.finalURI, nil)
	if err != nil {
		log.Debug().Err(err).Str("query_id", p.queryID).Msg("build final request")
		return
	}
	p.client.applyHeaders(req, p.queryID)
	if _, err := p.client.do(ctx, req, nil, classKill); err != nil {
		log.Debug().Err(err).Str("query_id", p.queryID).Msg("finalize query")
	}
	p.finalURI = nil
}
