// Package minting предоставляет клиент для внешней системы эмиссии токенов
// и кастодиального счёта продажи.
package minting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с системой эмиссии.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// NewClient создаёт HTTP-клиент для обращения к системе эмиссии по
// указанному адресу. Временные сетевые сбои повторяются на уровне
// транспорта: неудавшаяся эмиссия или перевод отменяет всю операцию расчёта.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// Mint начисляет amount токенов на счёт account.
func (c *Client) Mint(ctx context.Context, account string, amount int64) error {
	return c.post(ctx, "/api/tokens/mint", account, amount)
}

// Transfer переводит amount минимальных единиц валюты на счёт account.
// Используется и для пересылки безусловных взносов получателю продажи,
// и для возвратов жертвователям.
func (c *Client) Transfer(ctx context.Context, account string, amount int64) error {
	return c.post(ctx, "/api/transfers", account, amount)
}

func (c *Client) post(ctx context.Context, path, account string, amount int64) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("minting client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(mintRequest{Account: account, Amount: amount})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
