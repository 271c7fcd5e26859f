package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/redconsec/redcon/internal/model"
)

const repoUploadPath = "api/v1/scans"

// RepoMirror pushes terminal scans with their findings to a remote
// repository. A push failure never changes the scan's outcome; the
// engine logs it and moves on.
type RepoMirror struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoMirror(serverURL string) (*RepoMirror, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the repository url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = repoUploadPath

	return &RepoMirror{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

type repoScanRecord struct {
	Scan     model.Scan      `json:"scan"`
	Findings []model.Finding `json:"findings"`
}

type repoCreateResponse struct {
	ID string `json:"id"`
}

// Push uploads one terminal scan and its findings.
func (m *RepoMirror) Push(ctx context.Context, scan model.Scan, findings []model.Finding) error {
	raw, err := json.Marshal(repoScanRecord{Scan: scan, Findings: findings})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := m.decodeResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "scan mirrored to repository",
		slog.String("scan_id", scan.ID.String()),
		slog.String("remote_id", created.ID))
	return nil
}

func (m *RepoMirror) decodeResponse(resp *http.Response) (repoCreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return repoCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return repoCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var cr repoCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return repoCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.ID == "" {
			return repoCreateResponse{}, errors.New("received unexpected body")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return repoCreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return repoCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return repoCreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return repoCreateResponse{}, err
	}
	return repoCreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
