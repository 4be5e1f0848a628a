// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"decred.org/sealwallet/seal"
	"decred.org/sealwallet/seal/msgjson"
)

const (
	defaultResponseSizeLimit = 1 << 22
	defaultTimeout           = 30 * time.Second
)

// HTTPClient is a Client for the ledger's HTTP API.
type HTTPClient struct {
	url  string
	http *http.Client
	log  seal.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient is the constructor for an HTTPClient. baseURL is the ledger
// root, e.g. http://127.0.0.1:7250. The timeout applies to each request in
// addition to any context deadline.
func NewHTTPClient(baseURL string, timeout time.Duration, log seal.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		url:  strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// networkError marks transport failures as retryable. Cancellation by the
// caller is passed through.
func networkError(route string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return seal.NewError(seal.ErrNetworkUnavailable, route+": "+err.Error())
}

// post performs the request and decodes the result into thing, if non-nil.
func (c *HTTPClient) post(ctx context.Context, route string, req, thing any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error encoding %s request: %w", route, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/"+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return networkError(route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return networkError(route, fmt.Errorf("HTTP error: %q (code %d): %s",
			resp.Status, resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var payload msgjson.ResponsePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultResponseSizeLimit)).Decode(&payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP error: %q (code %d)", resp.Status, resp.StatusCode)
		}
		return networkError(route, fmt.Errorf("error decoding response: %w", err))
	}
	if payload.Error != nil {
		if kind := payload.Error.Kind(); kind != nil {
			return seal.NewError(kind, payload.Error.Message)
		}
		return fmt.Errorf("%s rejected: %w", route, payload.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error: %q (code %d)", resp.Status, resp.StatusCode)
	}
	if thing == nil {
		return nil
	}
	if err := json.Unmarshal(payload.Result, thing); err != nil {
		return fmt.Errorf("error decoding %s result: %w", route, err)
	}
	return nil
}

// Issue creates a contract.
func (c *HTTPClient) Issue(ctx context.Context, p *IssueParams, genesisSeal seal.SealID) (*seal.Contract, error) {
	contract := NewContract(p, genesisSeal, time.Now())
	var res seal.Contract
	if err := c.post(ctx, msgjson.IssueRoute, &msgjson.IssueRequest{Contract: contract}, &res); err != nil {
		return nil, err
	}
	if res.ID != contract.ID {
		return nil, fmt.Errorf("ledger returned contract %s, expected %s", res.ID, contract.ID)
	}
	return &res, nil
}

// RegisterWitness registers a placeholder seal.
func (c *HTTPClient) RegisterWitness(ctx context.Context, contractID seal.ContractID, witnessID seal.SealID, owner []byte) error {
	return c.post(ctx, msgjson.RegisterWitnessRoute, &msgjson.RegisterWitnessRequest{
		ContractID: contractID,
		WitnessID:  witnessID,
		Owner:      owner,
	}, nil)
}

// Transfer submits a signed transfer step.
func (c *HTTPClient) Transfer(ctx context.Context, step *seal.Step) (string, error) {
	var res msgjson.TransferResult
	if err := c.post(ctx, msgjson.TransferRoute, &msgjson.TransferRequest{Step: step}, &res); err != nil {
		return "", err
	}
	return res.TransferID, nil
}

// Rebind moves a witness allocation to a concrete seal.
func (c *HTTPClient) Rebind(ctx context.Context, contractID seal.ContractID, witnessID, realSeal seal.SealID, sig []byte) error {
	return c.post(ctx, msgjson.RebindRoute, &msgjson.RebindRequest{
		ContractID: contractID,
		WitnessID:  witnessID,
		RealSeal:   realSeal,
		Sig:        sig,
	}, nil)
}

// Balance sums the contract's allocations on the seals.
func (c *HTTPClient) Balance(ctx context.Context, contractID seal.ContractID, seals []seal.SealID) (uint64, error) {
	var res msgjson.BalanceResult
	err := c.post(ctx, msgjson.BalanceRoute, &msgjson.BalanceRequest{ContractID: contractID, Seals: seals}, &res)
	if err != nil {
		return 0, err
	}
	return res.Amount, nil
}

// Allocations lists the contract's current allocations.
func (c *HTTPClient) Allocations(ctx context.Context, contractID seal.ContractID) ([]*seal.Allocation, error) {
	var res []*seal.Allocation
	if err := c.post(ctx, msgjson.AllocationsRoute, &msgjson.ContractRequest{ContractID: contractID}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Contract retrieves a contract.
func (c *HTTPClient) Contract(ctx context.Context, contractID seal.ContractID) (*seal.Contract, error) {
	var res seal.Contract
	if err := c.post(ctx, msgjson.ContractRoute, &msgjson.ContractRequest{ContractID: contractID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
