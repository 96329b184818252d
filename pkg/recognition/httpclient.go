package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/disintegration/imaging"
)

// HTTPClient is a Recognizer backed by a remote recognition service.
type HTTPClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// ErrorResponse represents an error response from the recognition service.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// NewHTTPClient creates a new recognition service client.
func NewHTTPClient(baseURL, accessToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Recognize posts the PNG-encoded image to {baseURL}/recognize.
// Client errors (4xx) are permanent; server and network errors may be retried.
func (c *HTTPClient) Recognize(ctx context.Context, img image.Image) (Reading, error) {
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.PNG); err != nil {
		return Reading{}, backoff.Permanent(fmt.Errorf("failed to encode image: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recognize", &body)
	if err != nil {
		return Reading{}, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := c.parseError(resp)
		if resp.StatusCode < http.StatusInternalServerError {
			return Reading{}, backoff.Permanent(err)
		}
		return Reading{}, err
	}

	var reading Reading
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		return Reading{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return reading, nil
}

// parseError parses an error response from the recognition service.
func (c *HTTPClient) parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("recognizer error (status %d): failed to read error response", resp.StatusCode)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("recognizer error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if errResp.ErrorDescription != "" {
		return fmt.Errorf("recognizer error (status %d): %s - %s", resp.StatusCode, errResp.Error, errResp.ErrorDescription)
	}

	return fmt.Errorf("recognizer error (status %d): %s", resp.StatusCode, errResp.Error)
}
