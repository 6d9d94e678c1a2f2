package databend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// StageLocation identifies a file inside a server-side stage, e.g.
// "@my_stage/dir/file.csv" or "@~/file.csv" for the user stage.
type StageLocation struct {
	Name string // stage name, without the leading '@'
	Path string // path within the stage
}

// ParseStageLocation parses an "@stage/path" reference.
func ParseStageLocation(location string) (*StageLocation, error) {
	if !strings.HasPrefix(location, "@") {
		return nil, newError(KindBadArgument, "stage location %q must start with '@'", location)
	}
	name, filePath, ok := strings.Cut(location[1:], "/")
	if !ok || name == "" || filePath == "" {
		return nil, newError(KindBadArgument, "stage location %q must be @<stage>/<path>", location)
	}
	return &StageLocation{Name: name, Path: filePath}, nil
}

// String returns the "@stage/path" form.
func (s *StageLocation) String() string {
	return fmt.Sprintf("@%s/%s", s.Name, s.Path)
}

// FileName returns the final path element.
func (s *StageLocation) FileName() string {
	return path.Base(s.Path)
}

// PresignedResponse is the result of a PRESIGN statement: a time-limited URL
// for direct object storage access, plus the headers the storage service
// expects on the transfer.
type PresignedResponse struct {
	Method  string
	Headers map[string]string
	URL     string
}

// GetPresignedURL negotiates a presigned URL for the given operation
// ("UPLOAD" or "DOWNLOAD") on a stage location.
func (c *Client) GetPresignedURL(ctx context.Context, operation string, stage *StageLocation) (*PresignedResponse, error) {
	pages, err := c.StartQuery(ctx, fmt.Sprintf("PRESIGN %s %s", operation, stage))
	if err != nil {
		return nil, err
	}
	result, err := pages.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 || len(result.Data[0]) < 3 {
		return nil, newError(KindDecode, "presign response has no rows")
	}
	row := result.Data[0]
	if row[0] == nil || row[1] == nil || row[2] == nil {
		return nil, newError(KindDecode, "presign response has null cells")
	}

	headers := make(map[string]string)
	if err := json.Unmarshal([]byte(*row[1]), &headers); err != nil {
		return nil, wrapError(KindDecode, err, "decode presign headers")
	}
	return &PresignedResponse{Method: *row[0], Headers: headers, URL: *row[2]}, nil
}

// resolvedPresignMode resolves PresignDetect by probing the server with a
// real presign request once, falling back to streamed uploads on any error.
// The result is cached for the connection lifetime.
func (c *Client) resolvedPresignMode(ctx context.Context) PresignMode {
	c.mu.Lock()
	mode := c.presign
	c.mu.Unlock()
	if mode != PresignDetect {
		return mode
	}

	probe := &StageLocation{Name: "~", Path: ".bendsql/presign_detect"}
	if _, err := c.GetPresignedURL(ctx, "UPLOAD", probe); err != nil {
		log.Debug().Err(err).Msg("presign probe failed, falling back to streamed uploads")
		mode = PresignOff
	} else {
		mode = PresignOn
	}

	c.mu.Lock()
	c.presign = mode
	c.mu.Unlock()
	return mode
}

// UploadToStage transfers size bytes from data into the stage location,
// either through a presigned object storage URL or streamed through the
// query endpoint, per the resolved presign mode. A stale session token is
// refreshed first so long-idle connections do not eat a guaranteed 401.
func (c *Client) UploadToStage(ctx context.Context, stage *StageLocation, data io.Reader, size int64) error {
	if err := c.ensureFreshToken(ctx); err != nil {
		return err
	}
	if c.resolvedPresignMode(ctx) == PresignOn {
		return c.uploadViaPresignedURL(ctx, stage, data, size)
	}
	return c.uploadViaStream(ctx, stage, data, size)
}

// uploadViaPresignedURL PUTs directly to object storage. The presigned URL
// embeds its own credentials; client auth headers must not be attached.
func (c *Client) uploadViaPresignedURL(ctx context.Context, stage *StageLocation, data io.Reader, size int64) error {
	presigned, err := c.GetPresignedURL(ctx, "UPLOAD", stage)
	if err != nil {
		return err
	}

	method := presigned.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, presigned.URL, data)
	if err != nil {
		return wrapError(KindBadArgument, err, "build presigned upload request")
	}
	req.ContentLength = size
	for k, v := range presigned.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return withContext(wrapError(KindRequest, err, "presigned upload failed"), method, presigned.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &Error{
			Kind:    KindResponse,
			Message: fmt.Sprintf("presigned upload: %s", string(body)),
			Status:  resp.StatusCode,
		}
	}
	return nil
}

// uploadViaStream PUTs a multipart form through the query endpoint with the
// stage name in a header. The body streams; it cannot be replayed, so this
// path has no transport retry.
func (c *Client) uploadViaStream(ctx context.Context, stage *StageLocation, data io.Reader, size int64) error {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("upload", stage.FileName())
		if err == nil {
			_, err = io.CopyN(part, data, size)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	u, err := c.baseURL.Parse(uploadPath)
	if err != nil {
		return wrapError(KindBadArgument, err, "invalid upload URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), pr)
	if err != nil {
		return wrapError(KindBadArgument, err, "build upload request")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set(StageNameHeader, stage.Name)
	c.applyHeaders(req, "")
	if err := c.applyAuth(req, classUpload); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return withContext(wrapError(KindRequest, err, "stage upload failed"), http.MethodPut, u.String())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if se := decodeServerError(body); se != nil {
			return &Error{Kind: KindLogic, Message: "stage upload rejected", Status: resp.StatusCode, cause: se}
		}
		return &Error{
			Kind:    KindResponse,
			Message: fmt.Sprintf("stage upload: %s", string(body)),
			Status:  resp.StatusCode,
		}
	}
	return nil
}

// InsertWithStage issues a query carrying a stage-attachment descriptor
// (bulk load from previously uploaded files) and drains the page stream,
// returning only the final stats.
func (c *Client) InsertWithStage(ctx context.Context, sql string, stage *StageLocation, formatOpts, copyOpts map[string]string) (*QueryStats, error) {
	if err := c.ensureFreshToken(ctx); err != nil {
		return nil, err
	}
	attach := &StageAttachment{
		Location:          stage.String(),
		FileFormatOptions: formatOpts,
		CopyOptions:       copyOpts,
	}
	pages, err := c.startQuery(ctx, sql, attach, false)
	if err != nil {
		return nil, err
	}
	result, err := pages.All(ctx)
	if err != nil {
		return nil, err
	}
	return &result.Stats, nil
}
