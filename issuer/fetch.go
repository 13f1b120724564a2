package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/opd-ai/netcode/crypto"
)

// Fetch requests a connect token from the issuer at url.
func Fetch(ctx context.Context, url string, req Request) (*crypto.ConnectToken, error) {
	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(req); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("issuer: decode response (status %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("issuer: %s", resp.Error)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("issuer: status %d", httpResp.StatusCode)
	}
	if len(resp.Token) == 0 {
		return nil, errors.New("issuer: empty token")
	}
	return crypto.UnmarshalConnectToken(resp.Token)
}
