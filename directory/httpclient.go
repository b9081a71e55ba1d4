package directory

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paykit/crypto"
)

// Header names of the directory write authentication scheme: the owner signs
// method, path, body hash and a timestamp with the directory identity key.
const (
	headerPubkey    = "X-Paykit-Pubkey"
	headerTimestamp = "X-Paykit-Timestamp"
	headerSignature = "X-Paykit-Signature"

	writeSkewAllowance = 5 * time.Minute
)

// HTTPTransport talks to a directory homeserver that hosts every pubkey's
// tree under /{zbase32-pubkey}/....
type HTTPTransport struct {
	base   string
	client *http.Client
	now    func() time.Time
}

// NewHTTPTransport builds a transport against the homeserver base URL.
func NewHTTPTransport(base string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		base:   strings.TrimRight(base, "/"),
		client: client,
		now:    time.Now,
	}
}

func (t *HTTPTransport) objectURL(owner crypto.Pubkey, path string) string {
	return t.base + "/" + owner.String() + path
}

// writeDigest is the byte image signed for authenticated writes.
func writeDigest(method, path string, body []byte, timestamp int64) []byte {
	bodySum := sha256.Sum256(body)
	image := fmt.Sprintf("paykit-dir|%s|%s|%x|%d", method, path, bodySum, timestamp)
	sum := sha256.Sum256([]byte(image))
	return sum[:]
}

func (t *HTTPTransport) Put(ctx context.Context, owner *crypto.KeyPair, path string, data []byte) error {
	if owner == nil {
		return fmt.Errorf("directory: put requires the owner keypair")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.objectURL(owner.Pubkey(), path), strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	ts := t.now().Unix()
	sig := ed25519.Sign(ed25519.NewKeyFromSeed(owner.Seed()), writeDigest(http.MethodPut, path, data, ts))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPubkey, owner.Pubkey().String())
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, crypto.EncodeHex(sig))

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory: put %s: unexpected status %s", path, resp.Status)
	}
	return nil
}

func (t *HTTPTransport) Get(ctx context.Context, owner crypto.Pubkey, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.objectURL(owner, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: get %s: unexpected status %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (t *HTTPTransport) List(ctx context.Context, owner crypto.Pubkey, prefix string) ([]string, error) {
	listURL := t.objectURL(owner, prefix)
	if parsed, err := url.Parse(listURL); err == nil {
		query := parsed.Query()
		query.Set("list", "1")
		parsed.RawQuery = query.Encode()
		listURL = parsed.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: list %s: unexpected status %s", prefix, resp.Status)
	}
	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return nil, fmt.Errorf("directory: decode listing: %w", err)
	}
	return paths, nil
}
