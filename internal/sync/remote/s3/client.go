// Package s3 provides a Remote backed by an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
)

// Config holds S3 connection configuration.
type Config struct {
	Endpoint       string // host[:port], optionally with scheme; https is assumed
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)
	Timeout        time.Duration
}

// Client is a minimal S3 client: object put/get and ListObjectsV2,
// signed with AWS Signature V4.
type Client struct {
	config     *Config
	httpClient *http.Client
	now        func() time.Time
}

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key          string
	LastModified time.Time
	ETag         string
	Size         int64
}

// listBucketResult represents the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		ETag         string `xml:"ETag"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// ErrPreconditionFailed is returned by PutObject when a conditional write
// lost against a concurrent writer.
var ErrPreconditionFailed = errors.New("precondition failed")

// StatusError is an unexpected HTTP status from the object store.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// PutObject stores data under key. When ifMatch is non-empty the write only
// succeeds if the current ETag matches; "*" as ifNoneMatch requires the key
// to be absent. A failed condition yields ErrPreconditionFailed.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, ifMatch, ifNoneMatch string) error {
	req, err := c.newRequest(ctx, http.MethodPut, key, nil, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := c.do(req, "upload")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPreconditionFailed, http.StatusConflict:
		return ErrPreconditionFailed
	}
	return statusError("upload", resp)
}

// GetObject returns the object's data and ETag. A missing key returns
// nil data and no error.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.do(req, "download")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("download", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrNetworkFailure, "failed to read response body", err)
	}
	return data, resp.Header.Get("ETag"), nil
}

// ListObjects lists every object under prefix, following continuation tokens.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	token := ""
	for {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", prefix)
		if token != "" {
			q.Set("continuation-token", token)
		}
		page, err := c.listPage(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			modified, err := time.Parse(time.RFC3339, obj.LastModified)
			if err != nil {
				return nil, fmt.Errorf("invalid LastModified %q for %s: %w", obj.LastModified, obj.Key, err)
			}
			out = append(out, ObjectInfo{Key: obj.Key, LastModified: modified, ETag: obj.ETag, Size: obj.Size})
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			return out, nil
		}
		token = page.NextContinuationToken
	}
}

func (c *Client) listPage(ctx context.Context, q url.Values) (*listBucketResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "", q, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, "list")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list", resp)
	}
	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// TestConnection checks credentials and bucket access with a one-key listing.
func (c *Client) TestConnection(ctx context.Context) error {
	q := url.Values{}
	q.Set("list-type", "2")
	q.Set("max-keys", "1")
	_, err := c.listPage(ctx, q)
	return err
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, op+" request failed", err)
	}
	return resp, nil
}

// statusError classifies an unexpected response: rejected credentials are
// AUTH_FAILURE, throttling and server errors NETWORK_FAILURE.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	serr := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Wrap(apperrors.ErrAuthFailure, "object store rejected credentials", serr)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.Wrap(apperrors.ErrNetworkFailure, "object store unavailable", serr)
	}
	return serr
}

// =====================================================
// Request construction and signing
// =====================================================

// objectURL builds the URL of key, or of the bucket itself when key is empty.
func (c *Client) objectURL(key string, q url.Values) (*url.URL, error) {
	endpoint := c.config.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", c.config.Endpoint, err)
	}

	if c.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		u.Path = "/" + c.config.BucketName
		if key != "" {
			u.Path += "/" + key
		}
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		u.Host = c.config.BucketName + "." + u.Host
		u.Path = "/" + key
	}
	if q != nil {
		u.RawQuery = canonicalQuery(q)
	}
	return u, nil
}

func (c *Client) newRequest(ctx context.Context, method, key string, q url.Values, body []byte) (*http.Request, error) {
	u, err := c.objectURL(key, q)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	c.sign(req, hex.EncodeToString(hashSHA256(body)), c.now().UTC())
	return req, nil
}

// sign adds AWS Signature V4 headers to req.
func (c *Client) sign(req *http.Request, payloadHash string, t time.Time) {
	amzDate := t.Format("20060102T150405Z")
	dateStamp := amzDate[:8]
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)
	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		req.URL.Host, payloadHash, amzDate)

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalRequest := strings.Join([]string{
		req.Method, canonicalURI, req.URL.RawQuery, canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := strings.Join([]string{
		algorithm, amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature))
}

// canonicalQuery encodes q sorted by key with %20 for spaces, as SigV4 requires.
func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, sigEscape(k)+"="+sigEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func sigEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
