package tcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/correlation"
	"pkt.systems/txd/internal/txn"
)

// endpoint is the request plumbing shared by the clients.
type endpoint struct {
	base   string
	client *http.Client
}

func newEndpoint(baseURL string, client *http.Client) (endpoint, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return endpoint{}, errors.New("tcclient: base url required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return endpoint{}, fmt.Errorf("tcclient: base url %q must be http or https", baseURL)
	}
	if client == nil {
		var err error
		client, err = NewHTTPClient(Config{})
		if err != nil {
			return endpoint{}, err
		}
	}
	return endpoint{base: base, client: client}, nil
}

func setCredentials(req *http.Request, creds txn.Credentials) {
	if creds.SessionToken != "" {
		req.Header.Set(api.HeaderSessionToken, creds.SessionToken)
	}
	if creds.InteractiveSessionKey != "" {
		req.Header.Set(api.HeaderInteractiveKey, creds.InteractiveSessionKey)
	}
	if creds.CoordinatorKey != "" {
		req.Header.Set(api.HeaderCoordinatorKey, creds.CoordinatorKey)
	}
}

// do sends body (when non-nil) to path and decodes a 200 response into out.
func (e endpoint) do(ctx context.Context, method, path string, creds txn.Credentials, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if cid := correlation.ID(ctx); cid != "" {
		req.Header.Set(api.HeaderCorrelationID, cid)
	}
	setCredentials(req, creds)
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("tcclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tcclient: decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns an error response back into a txn.Failure so that error
// codes survive the hop.
func decodeError(resp *http.Response) error {
	var errResp api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &errResp); err != nil || errResp.ErrorCode == "" {
		detail := strings.TrimSpace(string(raw))
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("tcclient: status %d: %s", resp.StatusCode, detail)
	}
	f := txn.Failure{
		Code:       errResp.ErrorCode,
		Detail:     errResp.Detail,
		HTTPStatus: resp.StatusCode,
	}
	if id, err := txn.ParseID(errResp.TxnID); err == nil {
		f.TxnID = id
	}
	if errResp.ActualStatus != "" {
		if s, err := txn.ParseStatus(errResp.ActualStatus); err == nil {
			f.Actual = s
		}
	}
	for _, raw := range errResp.ExpectedStatus {
		if s, err := txn.ParseStatus(raw); err == nil {
			f.Expected = append(f.Expected, s)
		}
	}
	return f
}
