// Package fetch downloads per-source snapshots from marketplace providers
// and streams their rows into raw storage. It is the fetch+persist
// collaborator of the worker: it raises typed errors (HTTPError for remote
// failures, transport errors as-is) and leaves classification to the caller.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/leslychao/datapulse-sub000/internal/domain"
	"github.com/leslychao/datapulse-sub000/internal/rawstore"
)

// ErrUnknownProvider indicates a unit referenced a provider with no
// configured endpoint. This is a programming/config error, not a transient
// condition, and classifies terminal.
var ErrUnknownProvider = errors.New("unknown provider")

// RowSink receives decoded snapshot rows.
type RowSink interface {
	InsertBatch(ctx context.Context, rows []rawstore.Row) error
}

// Config defines snapshot fetcher parameters.
//
// BaseURLs maps a provider to its snapshot API base URL.
// FlushSize is how many decoded rows to buffer before writing a batch.
type Config struct {
	BaseURLs            map[string]string
	Timeout             time.Duration
	FlushSize           int
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURLs:            map[string]string{},
		Timeout:             60 * time.Second,
		FlushSize:           500,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
}

// SnapshotFetcher downloads one source's snapshot for a date range and
// persists its rows.
type SnapshotFetcher struct {
	config     Config
	httpClient *http.Client
	sink       RowSink
}

func NewSnapshotFetcher(config Config, sink RowSink) *SnapshotFetcher {
	if config.FlushSize <= 0 {
		config.FlushSize = 500
	}

	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
	}

	return &SnapshotFetcher{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
		sink:       sink,
	}
}

// FetchAndPersist downloads the snapshot for the unit's source and streams
// its rows into the sink. The snapshot body is a JSON array; rows are decoded
// incrementally and flushed in batches so large snapshots never load fully
// into memory.
func (f *SnapshotFetcher) FetchAndPersist(ctx context.Context, unit domain.ExecutionUnit) error {
	base, ok := f.config.BaseURLs[unit.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, unit.Provider)
	}

	endpoint := fmt.Sprintf("%s/snapshots/%s", base, url.PathEscape(unit.SourceHandle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create snapshot request: %w", err)
	}

	q := req.URL.Query()
	q.Set("account_id", unit.AccountID)
	q.Set("event_type", unit.EventType)
	q.Set("date_from", unit.DateFrom.Format(time.DateOnly))
	q.Set("date_to", unit.DateTo.Format(time.DateOnly))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
	}

	return f.streamRows(ctx, unit, resp.Body)
}

func (f *SnapshotFetcher) streamRows(ctx context.Context, unit domain.ExecutionUnit, body io.Reader) error {
	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read snapshot opening token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("snapshot body is not a JSON array")
	}

	fetchedAt := time.Now()
	batch := make([]rawstore.Row, 0, f.config.FlushSize)
	seq := 0

	for dec.More() {
		var payload json.RawMessage
		if err := dec.Decode(&payload); err != nil {
			return fmt.Errorf("decode snapshot row %d: %w", seq, err)
		}

		batch = append(batch, rawstore.Row{
			RequestID: unit.RequestID,
			EventType: unit.EventType,
			SourceID:  unit.SourceID,
			Seq:       seq,
			AccountID: unit.AccountID,
			Provider:  unit.Provider,
			Payload:   payload,
			FetchedAt: fetchedAt,
		})
		seq++

		if len(batch) >= f.config.FlushSize {
			if err := f.sink.InsertBatch(ctx, batch); err != nil {
				return fmt.Errorf("persist snapshot rows: %w", err)
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := f.sink.InsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("persist snapshot rows: %w", err)
		}
	}
	return nil
}
