// Package storage is the adapter for Supabase Storage (private bucket). It
// owns object path conventions and signed-URL generation; no business logic.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/apperr"
)

// maxDownloadSize bounds object downloads; uploads are capped by the server.
const maxDownloadSize = 64 * 1024 * 1024 // 64MB

// Object identifies one stored blob.
type Object struct {
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
}

// Client is a minimal Supabase Storage REST client. The bucket is private;
// downloads go through signed URLs.
type Client struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates a storage client for the given project URL and service key.
func New(baseURL, serviceKey, bucket string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }

// SanitizeFilename keeps the basename of an uploaded filename, defaulting to
// upload.pdf when nothing usable remains.
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == "/" {
		return "upload.pdf"
	}
	return base
}

// PDFPath builds the storage key for an uploaded guide PDF:
// companies/{company_id}/guides/{uuid}/{filename}. The key does not depend on
// a guide row, because upload happens before the row exists.
func PDFPath(companyID uuid.UUID, filename string) string {
	return fmt.Sprintf("companies/%s/guides/%s/%s", companyID, uuid.New(), SanitizeFilename(filename))
}

// TextPathFor places the extracted-text artifact next to its source PDF.
func TextPathFor(pdfPath string) string {
	return path.Dir(pdfPath) + "/extracted.txt"
}

// UploadPDF stores PDF bytes under a fresh object key and returns the object.
func (c *Client) UploadPDF(ctx context.Context, companyID uuid.UUID, filename, contentType string, data []byte) (Object, error) {
	if contentType == "" {
		contentType = "application/pdf"
	}
	obj := Object{Bucket: c.bucket, Path: PDFPath(companyID, filename)}
	if err := c.upload(ctx, obj, contentType, data); err != nil {
		return Object{}, err
	}
	return obj, nil
}

// UploadText stores UTF-8 text under the given object path, overwriting any
// previous version.
func (c *Client) UploadText(ctx context.Context, obj Object, text string) error {
	return c.upload(ctx, obj, "text/plain; charset=utf-8", []byte(text))
}

func (c *Client) upload(ctx context.Context, obj Object, contentType string, data []byte) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, obj.Bucket, escapePath(obj.Path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, err, "create upload request")
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, err, "upload %s", obj.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apperr.New(apperr.CodeStorage, "upload %s: %s", obj.Path, readErrorBody(resp))
	}
	return nil
}

// SignedURL creates a time-limited download URL for a private object.
func (c *Client) SignedURL(ctx context.Context, obj Object, expiresIn time.Duration) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", c.baseURL, obj.Bucket, escapePath(obj.Path))

	body, err := json.Marshal(map[string]int{"expiresIn": int(expiresIn.Seconds())})
	if err != nil {
		return "", apperr.Wrap(apperr.CodeStorage, err, "marshal sign request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeStorage, err, "create sign request")
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeStorage, err, "sign %s", obj.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.CodeStorage, "sign %s: %s", obj.Path, readErrorBody(resp))
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", apperr.Wrap(apperr.CodeStorage, err, "decode sign response")
	}
	if signed.SignedURL == "" {
		return "", apperr.New(apperr.CodeStorage, "sign response missing signedURL")
	}
	if strings.HasPrefix(signed.SignedURL, "http") {
		return signed.SignedURL, nil
	}
	return c.baseURL + "/storage/v1" + signed.SignedURL, nil
}

// Download fetches a private object through a short-lived signed URL.
func (c *Client) Download(ctx context.Context, obj Object) ([]byte, error) {
	signedURL, err := c.SignedURL(ctx, obj, 10*time.Minute)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, err, "create download request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, err, "download %s", obj.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.CodeStorage, "download %s: %s", obj.Path, readErrorBody(resp))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, err, "read download body")
	}
	return data, nil
}

// escapePath percent-encodes each path segment while preserving slashes.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
}
