// Package depthsource fetches a depth map for a color image from a remote
// image-edit service. A failed request is reported once and never retried.
package depthsource

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/stevecastle/wiggle/raster"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-image-1.5"
	DefaultPrompt  = "make a simple depth map from this image. Light should mean closer, dark farther. Output should be grayscale only."
	DefaultSize    = "auto"
	DefaultQuality = "medium"
	DefaultTimeout = 120 * time.Second

	// DefaultMaxResponseBytes caps the JSON body read from the service.
	DefaultMaxResponseBytes = 64 << 20
)

// ErrSourceFetch is matched by every failure of Fetch.
var ErrSourceFetch = errors.New("depth source fetch failed")

// ErrResponseTooLarge is returned when the service sends more than
// Options.MaxResponseBytes.
var ErrResponseTooLarge = errors.New("depth service response too large")

// FetchError carries the single message shown to the user.
type FetchError struct {
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return "Failed to generate depth map: " + e.Err.Error()
	}
	return "Failed to generate depth map"
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceFetch}
	}
	return []error{ErrSourceFetch, e.Err}
}

// Options configures a Client. Zero fields take the defaults above.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Prompt  string
	Size    string
	Quality string
	Timeout time.Duration

	MaxResponseBytes int64
}

// Client requests depth maps over HTTP.
type Client struct {
	opts Options
	http *http.Client
}

// New returns a client. The API key is required.
func New(opts Options, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, &FetchError{Message: "depth service API key is not configured"}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.Size == "" {
		opts.Size = DefaultSize
	}
	if opts.Quality == "" {
		opts.Quality = DefaultQuality
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: hc}, nil
}

// Image is an upload: encoded bytes plus the name and type they travel with.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Fetch posts img to the edit endpoint and returns the decoded depth image
// together with its PNG bytes.
func (c *Client) Fetch(ctx context.Context, img Image) (image.Image, []byte, error) {
	body, contentType, err := c.form(img)
	if err != nil {
		return nil, nil, &FetchError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/images/edits", body)
	if err != nil {
		return nil, nil, &FetchError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, nil, &FetchError{Status: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.opts.MaxResponseBytes {
		return nil, nil, &FetchError{Status: resp.StatusCode, Err: ErrResponseTooLarge}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &FetchError{Status: resp.StatusCode, Message: errorMessage(data)}
	}

	var out struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, nil, &FetchError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, nil, &FetchError{Status: resp.StatusCode, Message: "Failed to generate depth map: empty response"}
	}
	raw, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return nil, nil, &FetchError{Status: resp.StatusCode, Err: fmt.Errorf("decode image data: %w", err)}
	}
	depth, err := raster.DecodeBytes(raw)
	if err != nil {
		return nil, nil, &FetchError{Status: resp.StatusCode, Err: err}
	}
	b := depth.Bounds()
	log.Printf("depthsource: %s depth map %dx%d in %v", c.opts.Model, b.Dx(), b.Dy(), time.Since(start).Round(time.Millisecond))
	return depth, raw, nil
}

func (c *Client) form(img Image) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.opts.Model); err != nil {
		return nil, "", err
	}

	name := img.Name
	if name == "" {
		name = "image.png"
	}
	ct := img.ContentType
	if ct == "" {
		ct = http.DetectContentType(img.Data)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}

	for _, f := range [][2]string{
		{"prompt", c.opts.Prompt},
		{"size", c.opts.Size},
		{"quality", c.opts.Quality},
	} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// errorMessage pulls error.message out of a failure body.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return "Failed to generate depth map"
}
