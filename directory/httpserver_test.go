package directory

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"paykit/crypto"
	"paykit/storage"
)

func TestHTTPTransportAgainstServer(t *testing.T) {
	owner := testIdentity(t)
	srv := httptest.NewServer(NewServer(storage.NewMemDB(), nil))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, srv.Client())
	ctx := context.Background()

	payload := []byte(`[{"methodId":"lightning","endpoint":"bolt11:template","public":true}]`)
	if err := transport.Put(ctx, owner, MethodsPath, payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := transport.Get(ctx, owner.Pubkey(), MethodsPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload drifted: %s", got)
	}

	if _, err := transport.Get(ctx, owner.Pubkey(), "/pub/paykit/nope.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object: want ErrNotFound, got %v", err)
	}

	if err := transport.Put(ctx, owner, RequestPath("req-1"), []byte(`{}`)); err != nil {
		t.Fatalf("put request: %v", err)
	}
	paths, err := transport.List(ctx, owner.Pubkey(), RequestsPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 1 || paths[0] != RequestPath("req-1") {
		t.Fatalf("listing gave %v", paths)
	}
}

func TestHTTPServerRejectsForeignWrites(t *testing.T) {
	owner := testIdentity(t)
	intruder := testIdentity(t)
	srv := httptest.NewServer(NewServer(storage.NewMemDB(), nil))
	defer srv.Close()

	// The intruder signs correctly with its own key but targets the
	// owner's namespace.
	body := []byte(`[]`)
	ts := time.Now().Unix()
	sig := ed25519.Sign(ed25519.NewKeyFromSeed(intruder.Seed()), writeDigest(http.MethodPut, MethodsPath, body, ts))

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/"+owner.Pubkey().String()+MethodsPath, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(headerPubkey, intruder.Pubkey().String())
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, crypto.EncodeHex(sig))

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("cross-namespace write must be refused, got %s", resp.Status)
	}
}
