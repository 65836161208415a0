package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultEmbeddingURL = "http://localhost:8000"
	defaultModel        = "facenet"
	faceEndpoint        = "/embed/face"
	jpegQuality         = 90
)

// HTTPClient computes face embeddings using a remote embedding server.
type HTTPClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTPClient creates a client for the embedding server at baseURL.
func NewHTTPClient(baseURL, model string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	if model == "" {
		model = defaultModel
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float64 `json:"embedding"`
	Model     string    `json:"model"`
	Error     string    `json:"error,omitempty"`
}

// Embed JPEG-encodes the crop, posts it as multipart form data and parses the returned vector.
// A 422 response or an empty vector is reported as an ExtractionError.
func (c *HTTPClient) Embed(ctx context.Context, face image.Image) ([]float64, error) {
	if err := CheckCrop(face); err != nil {
		return nil, err
	}

	var img bytes.Buffer
	if err := jpeg.Encode(&img, face, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "face.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+faceEndpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out embedResponse
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		_ = json.Unmarshal(body, &out)
		return nil, &ExtractionError{Reason: firstNonEmpty(out.Error, "server found no face")}
	default:
		return nil, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Dim != 0 && out.Dim != len(out.Embedding) {
		return nil, fmt.Errorf("embedding API returned %d values but announced dim %d", len(out.Embedding), out.Dim)
	}
	if err := Validate(out.Embedding); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
