// Package client is a thin HTTP client for the subset of the mint API the
// wallet uses: keys, mint quotes, melt quotes and swaps.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut02"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
)

type Client struct {
	http *http.Client
}

func New() *Client {
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) PostMintQuoteBolt11(ctx context.Context, mintURL string, request nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/mint/quote/bolt11", request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, mintURL+"/v1/mint/quote/bolt11/"+quoteId, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) PostMintBolt11(ctx context.Context, mintURL string, request nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	var mintRes nut04.PostMintBolt11Response
	if err := c.post(ctx, mintURL+"/v1/mint/bolt11", request, &mintRes); err != nil {
		return nil, err
	}
	return &mintRes, nil
}

func (c *Client) PostSwap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (
	*nut03.PostSwapResponse, error) {
	var swapRes nut03.PostSwapResponse
	if err := c.post(ctx, mintURL+"/v1/swap", request, &swapRes); err != nil {
		return nil, err
	}
	return &swapRes, nil
}

func (c *Client) PostMeltQuoteBolt11(ctx context.Context, mintURL string, request nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteRes nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/quote/bolt11", request, &meltQuoteRes); err != nil {
		return nil, err
	}
	return &meltQuoteRes, nil
}

func (c *Client) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteRes nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, mintURL+"/v1/melt/quote/bolt11/"+quoteId, &meltQuoteRes); err != nil {
		return nil, err
	}
	return &meltQuoteRes, nil
}

func (c *Client) PostMeltBolt11(ctx context.Context, mintURL string, request nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltRes nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/bolt11", request, &meltRes); err != nil {
		return nil, err
	}
	return &meltRes, nil
}

func (c *Client) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) post(ctx context.Context, url string, body, v any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.Unmarshal(body, &errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mint returned status %v: %s", resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}
