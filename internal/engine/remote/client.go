package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to a Marian inference sidecar over JSON/HTTP.
type Client struct {
	BaseURL string
	HTTP    *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		HTTP: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "opus-mt-server/1.0"),
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var apiErr apiError
	res, err := c.HTTP.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if res.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("%s status=%d: %s", path, res.StatusCode(), apiErr.Error)
		}
		return fmt.Errorf("%s status=%d", path, res.StatusCode())
	}
	return nil
}

// Health checks that the sidecar is reachable.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.HTTP.R().SetContext(ctx).Get("/health")
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("health status=%d", res.StatusCode())
	}
	return nil
}

type loadReq struct {
	Model  string      `json:"model"`
	Path   string      `json:"path"`
	Config ModelConfig `json:"config"`
}

type loadResp struct {
	Handle string `json:"handle"`
}

// LoadModel registers a model directory and returns its handle.
func (c *Client) LoadModel(ctx context.Context, name, path string, cfg ModelConfig) (string, error) {
	var out loadResp
	if err := c.post(ctx, "/models/load", loadReq{Model: name, Path: path, Config: cfg}, &out); err != nil {
		return "", err
	}
	if out.Handle == "" {
		return "", fmt.Errorf("/models/load: empty handle for %s", name)
	}
	return out.Handle, nil
}

type unloadReq struct {
	Handle string `json:"handle"`
}

func (c *Client) UnloadModel(ctx context.Context, handle string) error {
	var out struct{}
	return c.post(ctx, "/models/unload", unloadReq{Handle: handle}, &out)
}

type tokenizeReq struct {
	Handle     string   `json:"handle"`
	Texts      []string `json:"texts"`
	Padding    bool     `json:"padding"`
	Truncation bool     `json:"truncation"`
	MaxLength  int      `json:"max_length,omitempty"`
}

type tokenizeResp struct {
	InputIDs      [][]int `json:"input_ids"`
	AttentionMask [][]int `json:"attention_mask"`
}

func (c *Client) Tokenize(ctx context.Context, req tokenizeReq) (tokenizeResp, error) {
	var out tokenizeResp
	err := c.post(ctx, "/tokenize", req, &out)
	return out, err
}

type generateReq struct {
	Handle        string  `json:"handle"`
	InputIDs      [][]int `json:"input_ids"`
	AttentionMask [][]int `json:"attention_mask,omitempty"`
	NumBeams      int     `json:"num_beams,omitempty"`
	MaxLength     int     `json:"max_length,omitempty"`
}

type generateResp struct {
	Sequences [][]int `json:"sequences"`
}

func (c *Client) Generate(ctx context.Context, req generateReq) (generateResp, error) {
	var out generateResp
	err := c.post(ctx, "/generate", req, &out)
	return out, err
}

type detokenizeReq struct {
	Handle            string  `json:"handle"`
	Sequences         [][]int `json:"sequences"`
	SkipSpecialTokens bool    `json:"skip_special_tokens"`
}

type detokenizeResp struct {
	Texts []string `json:"texts"`
}

func (c *Client) Detokenize(ctx context.Context, req detokenizeReq) (detokenizeResp, error) {
	var out detokenizeResp
	err := c.post(ctx, "/detokenize", req, &out)
	return out, err
}
