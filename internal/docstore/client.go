package docstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client archives exported attendance sheets in the platform document
// store over its signed-upload REST API.
type Client struct {
	Endpoint  string
	APIKey    string
	APISecret string
	Folder    string
	HTTP      *http.Client
}

// New creates a document store client.
func New(endpoint, apiKey, apiSecret, folder string) *Client {
	return &Client{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// StoredDoc holds the response after a successful upload.
type StoredDoc struct {
	DocID     string `json:"doc_id"`
	URL       string `json:"url"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
	CreatedAt string `json:"created_at"`
}

// StoreSheet uploads a rendered attendance sheet under a deterministic
// name, so re-exports of the same slot overwrite the previous archive.
func (c *Client) StoreSheet(ctx context.Context, slotID string, sheetJSON []byte) (*StoredDoc, error) {
	return c.upload(ctx, fmt.Sprintf("sheet-%s.json", slotID), "application/json", sheetJSON)
}

func (c *Client) upload(ctx context.Context, filename, contentType string, data []byte) (*StoredDoc, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"api_key":   c.APIKey,
		"filename":  filename,
	}
	if c.Folder != "" {
		params["folder"] = c.Folder
	}
	params["signature"] = c.sign(params)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("docstore: create form file failed: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("docstore: write file failed: %w", err)
	}
	_ = w.WriteField("content_type", contentType)
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/v1/documents", &buf)
	if err != nil {
		return nil, fmt.Errorf("docstore: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docstore: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("docstore: upload failed (%d): %s", resp.StatusCode, string(body))
	}

	var doc StoredDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode response failed: %w", err)
	}
	return &doc, nil
}

// sign computes the request signature: sorted key=value pairs joined with
// '&', secret appended, SHA1-hexed. api_key and file are excluded.
func (c *Client) sign(params map[string]string) string {
	excludeKeys := map[string]bool{"api_key": true, "file": true}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !excludeKeys[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	payload := strings.Join(pairs, "&") + c.APISecret
	h := sha1.New()
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}
