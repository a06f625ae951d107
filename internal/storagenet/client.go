package storagenet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
)

// Client talks to a storage network node over the API served by
// NewHandler.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient gets a client
// with a 60 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Register implements interfaces.StorageNetwork.
func (c *Client) Register(
	ctx context.Context,
	blob []byte,
	epochs uint32,
	signer interfaces.Signer,
) (interfaces.Provisional, error) {
	u := c.baseURL + "/v1/blobs/?epochs=" + strconv.FormatUint(uint64(epochs), 10)
	var out registerResponse
	if err := c.do(ctx, http.MethodPost, u, blob, signer, RegisterMessage(blob, epochs), &out); err != nil {
		return interfaces.Provisional{}, fmt.Errorf("storagenet: register: %w", err)
	}
	return interfaces.Provisional{Handle: out.Handle, Cost: out.Cost}, nil
}

// Certify implements interfaces.StorageNetwork.
func (c *Client) Certify(
	ctx context.Context,
	handle string,
	signer interfaces.Signer,
) (string, error) {
	u := c.baseURL + "/v1/blobs/" + url.PathEscape(handle) + "/certify"
	var out certifyResponse
	if err := c.do(ctx, http.MethodPost, u, nil, signer, CertifyMessage(handle), &out); err != nil {
		return "", fmt.Errorf("storagenet: certify: %w", err)
	}
	return out.Address, nil
}

// Read implements interfaces.StorageNetwork.
func (c *Client) Read(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/blobs/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storagenet: read: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("storagenet: read %s: %w", address, err)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(
	ctx context.Context,
	method, u string,
	body []byte,
	signer interfaces.Signer,
	message []byte,
	out any,
) error {
	if signer == nil {
		return fmt.Errorf("signer is required")
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerSignerAddress, signer.Address())
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(sig))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps node responses onto the error taxonomy.
func statusError(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", resp.StatusCode, errs.ErrStorageNodeOverload)
	case http.StatusNotFound:
		return fmt.Errorf("status %d: %w", resp.StatusCode, errs.ErrNotFound)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}
}
