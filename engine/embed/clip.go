package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ImageVectorSize is the CLIP ViT-B/32 output dimensionality.
const ImageVectorSize = 512

// CLIPClient implements ImageEmbedder against a CLIP inference sidecar's
// HTTP API.
type CLIPClient struct {
	baseURL string
	client  *http.Client
}

// NewCLIPClient creates an image embedding client for the sidecar at baseURL.
func NewCLIPClient(baseURL string) *CLIPClient {
	return &CLIPClient{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type clipEmbedReq struct {
	Image []byte `json:"image"` // base64 via encoding/json default
}

type clipEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// EmbedImage embeds raw image bytes.
func (c *CLIPClient) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	body, _ := json.Marshal(clipEmbedReq{Image: data})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clip embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("clip embed: status %d", resp.StatusCode)
	}

	var result clipEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("clip embed decode: %w", err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
