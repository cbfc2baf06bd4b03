package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Credentials are passed to each client explicitly; nothing is read from
// package state.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

func (c Credentials) valid() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

type Client struct {
	baseURL   string
	http      *http.Client
	creds     Credentials
	simulated bool
	log       *zap.Logger
	now       func() time.Time
}

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials Credentials
	Simulated   bool
}

func New(opts Options, log *zap.Logger) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.okx.com"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: opts.Timeout},
		creds:     opts.Credentials,
		simulated: opts.Simulated,
		log:       log,
		now:       time.Now,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, signed bool, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, requestPath, nil, signed, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, payload, true, out)
}

func (c *Client) do(ctx context.Context, method, requestPath string, body []byte, signed bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	if signed {
		if !c.creds.valid() {
			return errors.New("okx credentials are required for private endpoints")
		}
		ts := c.now().UTC().Format(timestampLayout)
		req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", sign(c.creds.SecretKey, ts, method, requestPath, body))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("decode %s: %w", requestPath, err)
	}
	if env.Code != "0" {
		apiErr := &APIError{Code: env.Code, Msg: env.Msg, Status: resp.StatusCode}
		// Batch-style endpoints report per-item codes alongside a failed envelope.
		if out != nil && len(env.Data) > 0 && string(env.Data) != "[]" {
			if err := json.Unmarshal(env.Data, out); err == nil {
				return &itemError{api: apiErr}
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", requestPath, err)
	}
	return nil
}

func sign(secret, timestamp, method, requestPath string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
