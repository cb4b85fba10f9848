package mirrorsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

// Transport moves payloads between this node and the remote store.
type Transport interface {
	// SendPayload posts named arrays; empty arrays are dropped and an all-empty payload is not sent.
	SendPayload(ctx context.Context, payload map[string]any) (*SyncResponse, error)
	// SendInBatches posts rows under key in order, one chunk at a time.
	SendInBatches(ctx context.Context, key string, rows []store.Row, batchSize int) (*SyncResponse, error)
	FetchRequests(ctx context.Context) (*RequestsResponse, error)
	DeleteRequest(ctx context.Context, id int64) error
}

type httpTransport struct {
	baseURL    string
	nodeId     string
	apiKey     string
	batchDelay time.Duration
	http       *http.Client
}

type TransportOptions struct {
	BaseURL    string
	NodeId     string
	APIKey     string
	BatchDelay time.Duration
	Timeout    time.Duration
}

func NewHTTPTransport(opts TransportOptions) (Transport, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("sync remote url is empty")
	}
	if strings.TrimSpace(opts.NodeId) == "" {
		return nil, ErrMissingNodeId
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		baseURL:    baseURL,
		nodeId:     opts.NodeId,
		apiKey:     opts.APIKey,
		batchDelay: opts.BatchDelay,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

func (c *httpTransport) SendPayload(ctx context.Context, payload map[string]any) (*SyncResponse, error) {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if isEmptyArray(v) {
			continue
		}
		body[k] = v
	}
	if len(body) == 0 {
		return &SyncResponse{Success: true}, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	respBody, err := c.do(ctx, http.MethodPost, PathSync, data)
	if err != nil {
		return nil, err
	}
	var parsed SyncResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	if !parsed.Success {
		return &parsed, fmt.Errorf("%w: %s", ErrSyncRejected, firstNonEmpty(parsed.Error, parsed.Message))
	}
	return &parsed, nil
}

func (c *httpTransport) SendInBatches(ctx context.Context, key string, rows []store.Row, batchSize int) (*SyncResponse, error) {
	agg := &SyncResponse{Success: true}
	for i, chunk := range utils.ChunkSlice(rows, batchSize) {
		if i > 0 && c.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return agg, ctx.Err()
			case <-time.After(c.batchDelay):
			}
		}
		resp, err := c.SendPayload(ctx, map[string]any{key: chunk})
		if resp != nil {
			agg.Failed = append(agg.Failed, resp.Failed...)
		}
		if err != nil {
			return agg, fmt.Errorf("batch %d of %s: %w", i+1, key, err)
		}
	}
	return agg, nil
}

func (c *httpTransport) FetchRequests(ctx context.Context) (*RequestsResponse, error) {
	body, err := c.do(ctx, http.MethodGet, PathRequests, nil)
	if err != nil {
		return nil, err
	}
	var parsed RequestsResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, err
	}
	if !parsed.Success {
		return nil, fmt.Errorf("%w: %s", ErrSyncRejected, parsed.Error)
	}
	return &parsed, nil
}

func (c *httpTransport) DeleteRequest(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, PathRequests+"/"+strconv.FormatInt(id, 10), nil)
	return err
}

func (c *httpTransport) do(ctx context.Context, method string, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderNodeId, c.nodeId)
	if c.apiKey != "" {
		req.Header.Set(HeaderSyncKey, c.apiKey)
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		req.Header.Set(HeaderCorrelationId, correlationId)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sync api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func isEmptyArray(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
