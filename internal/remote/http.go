package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/models"
)

// HTTPService talks to one collection of the hosted backend over REST:
//
//	GET    {base}/api/{store}
//	POST   {base}/api/{store}
//	PUT    {base}/api/{store}/{id}
//	DELETE {base}/api/{store}/{id}
//
// Transport-level failures are classified as offline so the caller can queue
// the write; HTTP rejections surface as REMOTE_REJECTED and are never queued.
type HTTPService struct {
	baseURL string
	store   models.StoreName
	client  *http.Client
}

// NewHTTPService creates a Service for one collection. If client is nil a
// default with a 30 second timeout is used.
func NewHTTPService(baseURL string, store models.StoreName, client *http.Client) *HTTPService {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPService{
		baseURL: baseURL,
		store:   store,
		client:  client,
	}
}

// NewHTTPRegistry builds a complete registry with one HTTPService per
// collection, all sharing the same client.
func NewHTTPRegistry(baseURL string, client *http.Client) (*Registry, error) {
	registry := NewRegistry()
	for _, store := range models.AllStores() {
		if err := registry.Register(store, NewHTTPService(baseURL, store, client)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// GetAll implements Service.
func (s *HTTPService) GetAll(ctx context.Context) ([]models.Record, error) {
	body, err := s.do(ctx, http.MethodGet, s.collectionURL(), nil)
	if err != nil {
		return nil, err
	}
	var records []models.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteRejected, "malformed collection response", err)
	}
	return records, nil
}

// Create implements Service.
func (s *HTTPService) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	return s.send(ctx, http.MethodPost, s.collectionURL(), rec)
}

// Update implements Service.
func (s *HTTPService) Update(ctx context.Context, rec models.Record) (models.Record, error) {
	return s.send(ctx, http.MethodPut, s.entityURL(rec.ID), rec)
}

// Delete implements Service.
func (s *HTTPService) Delete(ctx context.Context, id string) error {
	_, err := s.do(ctx, http.MethodDelete, s.entityURL(id), nil)
	return err
}

func (s *HTTPService) send(ctx context.Context, method, target string, rec models.Record) (models.Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode record", err)
	}
	body, err := s.do(ctx, method, target, payload)
	if err != nil {
		return models.Record{}, err
	}

	var result models.Record
	if len(body) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrRemoteRejected, "malformed record response", err)
	}
	return result, nil
}

func (s *HTTPService) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// net-level failure: the dominant offline case
		return nil, apperrors.Wrap(apperrors.ErrOffline,
			fmt.Sprintf("backend unreachable for %s", s.store), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrOffline, "connection lost mid-response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apperrors.New(apperrors.ErrRemoteRejected,
			fmt.Sprintf("%s %s: backend returned %d: %s", method, target, resp.StatusCode, truncate(body)))
	}
	return body, nil
}

func (s *HTTPService) collectionURL() string {
	return fmt.Sprintf("%s/api/%s", s.baseURL, url.PathEscape(string(s.store)))
}

func (s *HTTPService) entityURL(id string) string {
	return fmt.Sprintf("%s/api/%s/%s", s.baseURL, url.PathEscape(string(s.store)), url.PathEscape(id))
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
