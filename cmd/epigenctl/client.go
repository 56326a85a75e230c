package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arlen-kass/epigen/internal/protocol"
)

// apiClient is a thin HTTP client over the coordinator's /detect,
// /snapshot, /check, /export, /reload and /flatten endpoints.
type apiClient struct {
	server string
	http   *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{server: server, http: &http.Client{Timeout: 15 * time.Second}}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

func (c *apiClient) detect(ctx context.Context, req protocol.DetectRequest) (protocol.DetectResponse, error) {
	var resp protocol.DetectResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/detect", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return resp, &apiError{Status: httpResp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// checkResult is the JSON body returned from /check.
type checkResult struct {
	ServiceID string `json:"service_id"`
	Path      string `json:"path"`
	Result    string `json:"result"`
}

func (c *apiClient) check(ctx context.Context, serviceID, path string) (checkResult, error) {
	var out checkResult

	url := fmt.Sprintf("%s/check?service_id=%s&path=%s", c.server, serviceID, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return out, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return out, &apiError{Status: httpResp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// export streams serviceID's store in EPE1 binary format to w.
func (c *apiClient) export(ctx context.Context, serviceID string, w io.Writer) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/export?service_id="+serviceID, nil)
	if err != nil {
		return err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(httpResp.Body)
		return &apiError{Status: httpResp.StatusCode, Body: string(data)}
	}

	_, err = io.Copy(w, httpResp.Body)
	return err
}

// reload replaces serviceID's store from an EPE1 binary body read from r.
func (c *apiClient) reload(ctx context.Context, serviceID string, r io.Reader) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/reload?service_id="+serviceID, r)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	if httpResp.StatusCode != http.StatusOK {
		return &apiError{Status: httpResp.StatusCode, Body: string(data)}
	}
	return nil
}

// flatten streams serviceID's compiled snapshot in the binary data-plane
// lookup ABI format to w.
func (c *apiClient) flatten(ctx context.Context, serviceID string, w io.Writer) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/flatten?service_id="+serviceID, nil)
	if err != nil {
		return err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(httpResp.Body)
		return &apiError{Status: httpResp.StatusCode, Body: string(data)}
	}

	_, err = io.Copy(w, httpResp.Body)
	return err
}

func (c *apiClient) snapshot(ctx context.Context, serviceID string) (protocol.SnapshotManifest, error) {
	var manifest protocol.SnapshotManifest

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/snapshot?service_id="+serviceID, nil)
	if err != nil {
		return manifest, err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return manifest, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return manifest, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return manifest, &apiError{Status: httpResp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}
