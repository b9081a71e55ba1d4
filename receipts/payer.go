package receipts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paykit/channel"
	"paykit/crypto"
	"paykit/directory"
	"paykit/types"
)

// ErrNoRoute reports that neither a private endpoint nor a public directory
// record offers a way to reach the peer.
var ErrNoRoute = errors.New("receipts: no channel endpoint for peer")

// Payer turns a payment intent into a finished negotiation: resolve the
// peer's channel endpoint (private offers first, public directory second),
// dial, run the payer state machine, and keep the rotation bookkeeping
// honest.
type Payer struct {
	engine  *Engine
	dir     *directory.Client
	chanCfg channel.Config
	now     func() time.Time
}

// NewPayer wires the payer.
func NewPayer(engine *Engine, dir *directory.Client, chanCfg channel.Config) *Payer {
	return &Payer{
		engine:  engine,
		dir:     dir,
		chanCfg: chanCfg,
		now:     time.Now,
	}
}

// Pay executes one payment of the given terms to the provider. It
// satisfies the autopay engine's PaymentInitiator.
func (p *Payer) Pay(ctx context.Context, provider crypto.Pubkey, subscriptionId string, terms types.SubscriptionTerms) error {
	provisional := types.Receipt{
		ReceiptId: types.NewReceiptId(),
		Payer:     p.engine.self,
		Payee:     provider,
		Method:    terms.Method,
		Amount:    terms.Amount,
		Currency:  terms.Currency,
		CreatedAt: uint64(p.now().Unix()),
	}
	if subscriptionId != "" {
		provisional.Metadata = map[string]string{"subscriptionId": subscriptionId}
	}
	_, err := p.Execute(ctx, provisional)
	return err
}

// Execute resolves a route to the payee and runs the negotiation.
func (p *Payer) Execute(ctx context.Context, provisional types.Receipt) (types.Receipt, error) {
	endpoint, private, err := p.resolveEndpoint(ctx, provisional.Payee)
	if err != nil {
		return types.Receipt{}, err
	}

	ch, err := channel.DialEndpoint(ctx, endpoint, p.chanCfg)
	if err != nil {
		return types.Receipt{}, err
	}
	defer ch.Close()

	confirmed, err := p.engine.InitiatePayment(ctx, ch, provisional)
	if err != nil {
		return types.Receipt{}, err
	}
	if private {
		if useErr := p.engine.endpoints.RecordUse(provisional.Payee, types.MethodNoise); useErr != nil {
			p.engine.log.Warn("endpoint use bookkeeping failed",
				"peer", provisional.Payee.String(),
				"error", useErr.Error())
		}
	}
	return confirmed, nil
}

// resolveEndpoint prefers a live private offer for the noise method over
// the peer's public directory record.
func (p *Payer) resolveEndpoint(ctx context.Context, peer crypto.Pubkey) (string, bool, error) {
	offer, ok, err := p.engine.endpoints.Lookup(peer, types.MethodNoise, uint64(p.now().Unix()))
	if err != nil {
		return "", false, err
	}
	if ok {
		return offer.Endpoint, true, nil
	}

	if p.dir == nil {
		return "", false, ErrNoRoute
	}
	methods, err := p.dir.FetchMethods(ctx, peer)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrNoRoute, err)
	}
	for _, m := range methods {
		if m.MethodId == types.MethodNoise {
			return m.Endpoint, false, nil
		}
	}
	return "", false, ErrNoRoute
}
