package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"paykit/crypto"
	"paykit/types"
)

// Client wraps a Transport with the paykit record formats.
type Client struct {
	transport Transport
}

// NewClient builds a client over the given transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// PublishMethods writes the owner's public method list. Records with
// Public=false never leave the machine.
func (c *Client) PublishMethods(ctx context.Context, owner *crypto.KeyPair, methods []types.PaymentMethod) error {
	public := make([]types.PaymentMethod, 0, len(methods))
	for _, m := range methods {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.Public {
			public = append(public, m)
		}
	}
	data, err := json.Marshal(public)
	if err != nil {
		return fmt.Errorf("directory: encode methods: %w", err)
	}
	return c.transport.Put(ctx, owner, MethodsPath, data)
}

// FetchMethods reads a peer's public method list.
func (c *Client) FetchMethods(ctx context.Context, peer crypto.Pubkey) ([]types.PaymentMethod, error) {
	data, err := c.transport.Get(ctx, peer, MethodsPath)
	if err != nil {
		return nil, err
	}
	var methods []types.PaymentMethod
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&methods); err != nil {
		return nil, fmt.Errorf("directory: decode methods: %w", err)
	}
	return methods, nil
}

// PublishRequestNotification drops a payment request into the payee's
// requests namespace for asynchronous discovery.
func (c *Client) PublishRequestNotification(ctx context.Context, owner *crypto.KeyPair, req types.PaymentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("directory: encode request: %w", err)
	}
	return c.transport.Put(ctx, owner, RequestPath(req.RequestId), data)
}

// PollRequests scans the peer's requests namespace and fetches entries newer
// than since whose ids are not in known. Listings may be eventually
// consistent: entries can be missing or stale, so callers re-poll and rely on
// id-based dedup. Partial results are returned even when some fetches fail;
// the collected fetch errors come back joined.
func (c *Client) PollRequests(ctx context.Context, peer crypto.Pubkey, since uint64, known map[string]struct{}) ([]types.PaymentRequest, error) {
	paths, err := c.transport.List(ctx, peer, RequestsPrefix)
	if err != nil {
		return nil, err
	}

	var out []types.PaymentRequest
	var errs []error
	for _, path := range paths {
		id := RequestIdFromPath(path)
		if id == "" {
			continue
		}
		if _, seen := known[id]; seen {
			continue
		}
		data, err := c.transport.Get(ctx, peer, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", path, err))
			continue
		}
		var req types.PaymentRequest
		if err := json.Unmarshal(data, &req); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", path, err))
			continue
		}
		if req.RequestId != id {
			errs = append(errs, fmt.Errorf("decode %s: id mismatch", path))
			continue
		}
		if since > 0 && req.CreatedAt < since {
			continue
		}
		out = append(out, req)
	}
	return out, errors.Join(errs...)
}

// PublishAgreement writes a fully signed subscription under the owner's
// agreements namespace.
func (c *Client) PublishAgreement(ctx context.Context, owner *crypto.KeyPair, ss types.SignedSubscription) error {
	data, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("directory: encode agreement: %w", err)
	}
	return c.transport.Put(ctx, owner, AgreementPath(ss.Subscription.SubscriptionId), data)
}

// FetchAgreement reads a published signed subscription.
func (c *Client) FetchAgreement(ctx context.Context, peer crypto.Pubkey, subscriptionId string) (types.SignedSubscription, error) {
	data, err := c.transport.Get(ctx, peer, AgreementPath(subscriptionId))
	if err != nil {
		return types.SignedSubscription{}, err
	}
	return types.DecodeSignedSubscription(data)
}
