package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"paykit/crypto"
	"paykit/types"
)

// Store implements every paykit storage trait over one Database. All values
// are JSON; keys live under fixed prefixes so listings are prefix scans.
type Store struct {
	db Database
	// nonceMu makes InsertIfAbsent's check-then-put atomic within the
	// process.
	nonceMu sync.Mutex
}

// NewStore wraps the database.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

var (
	receiptPrefix    = []byte("paykit/receipts/")
	endpointPrefix   = []byte("paykit/endpoints/")
	proposalPrefix   = []byte("paykit/subs/proposals/")
	signedPrefix     = []byte("paykit/subs/signed/")
	cancelledPrefix  = []byte("paykit/subs/cancelled/")
	rulePrefix       = []byte("paykit/autopay/rules/")
	limitPrefix      = []byte("paykit/autopay/limits/")
	lastPaidPrefix   = []byte("paykit/autopay/lastpaid/")
	requestPrefix    = []byte("paykit/requests/records/")
	reqStatusPrefix  = []byte("paykit/requests/status/")
	noncePrefix      = []byte("paykit/nonces/")
)

func joinKey(prefix []byte, parts ...string) []byte {
	key := append([]byte(nil), prefix...)
	for i, part := range parts {
		if i > 0 {
			key = append(key, '/')
		}
		key = append(key, part...)
	}
	return key
}

func (s *Store) putJSON(key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %s", ErrBackend, key, err)
	}
	if err := s.db.Put(key, data); err != nil {
		return fmt.Errorf("%w: put %s: %s", ErrBackend, key, err)
	}
	return nil
}

func (s *Store) getJSON(key []byte, out any) error {
	data, err := s.db.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: get %s: %s", ErrBackend, key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %s", ErrBackend, key, err)
	}
	return nil
}

// --- ReceiptStore ---

func (s *Store) SaveReceipt(r types.Receipt) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.putJSON(joinKey(receiptPrefix, r.ReceiptId), r)
}

func (s *Store) GetReceipt(id string) (types.Receipt, error) {
	var r types.Receipt
	if err := s.getJSON(joinKey(receiptPrefix, id), &r); err != nil {
		return types.Receipt{}, err
	}
	return r, nil
}

func (s *Store) ListReceipts(filter types.ReceiptFilter) ([]types.Receipt, error) {
	var out []types.Receipt
	var scanErr error
	err := s.db.Iterate(receiptPrefix, func(_, value []byte) bool {
		var r types.Receipt
		if err := json.Unmarshal(value, &r); err != nil {
			scanErr = fmt.Errorf("%w: decode receipt: %s", ErrBackend, err)
			return false
		}
		if filter.Matches(r) {
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan receipts: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// --- PrivateEndpointStore ---

func endpointKey(peer crypto.Pubkey, method types.MethodId) []byte {
	return joinKey(endpointPrefix, peer.String(), string(method))
}

func (s *Store) PutOffer(peer crypto.Pubkey, method types.MethodId, offer types.PrivateEndpointOffer) error {
	return s.putJSON(endpointKey(peer, method), offer)
}

func (s *Store) GetOffer(peer crypto.Pubkey, method types.MethodId) (types.PrivateEndpointOffer, error) {
	var offer types.PrivateEndpointOffer
	if err := s.getJSON(endpointKey(peer, method), &offer); err != nil {
		return types.PrivateEndpointOffer{}, err
	}
	return offer, nil
}

func (s *Store) ListForPeer(peer crypto.Pubkey) ([]types.PrivateEndpointOffer, error) {
	prefix := joinKey(endpointPrefix, peer.String())
	prefix = append(prefix, '/')
	var out []types.PrivateEndpointOffer
	var scanErr error
	err := s.db.Iterate(prefix, func(_, value []byte) bool {
		var offer types.PrivateEndpointOffer
		if err := json.Unmarshal(value, &offer); err != nil {
			scanErr = fmt.Errorf("%w: decode endpoint offer: %s", ErrBackend, err)
			return false
		}
		out = append(out, offer)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan endpoint offers: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

func (s *Store) RemoveOffer(peer crypto.Pubkey, method types.MethodId) error {
	if err := s.db.Delete(endpointKey(peer, method)); err != nil {
		return fmt.Errorf("%w: remove endpoint offer: %s", ErrBackend, err)
	}
	return nil
}

func (s *Store) CleanupExpired(now uint64) (int, error) {
	var lapsed [][]byte
	var scanErr error
	err := s.db.Iterate(endpointPrefix, func(key, value []byte) bool {
		var offer types.PrivateEndpointOffer
		if err := json.Unmarshal(value, &offer); err != nil {
			scanErr = fmt.Errorf("%w: decode endpoint offer: %s", ErrBackend, err)
			return false
		}
		if offer.Expired(now) {
			lapsed = append(lapsed, append([]byte(nil), key...))
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("%w: scan endpoint offers: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return 0, scanErr
	}
	for _, key := range lapsed {
		if err := s.db.Delete(key); err != nil {
			return 0, fmt.Errorf("%w: delete endpoint offer: %s", ErrBackend, err)
		}
	}
	return len(lapsed), nil
}

// --- SubscriptionStore ---

type cancelRecord struct {
	Reason      string `json:"reason"`
	CancelledAt uint64 `json:"cancelledAt"`
}

func (s *Store) SaveProposal(p types.SubscriptionProposal) error {
	if err := p.Subscription.Validate(); err != nil {
		return err
	}
	return s.putJSON(joinKey(proposalPrefix, p.Subscription.SubscriptionId), p)
}

func (s *Store) SaveSigned(ss types.SignedSubscription) error {
	if err := ss.Subscription.Validate(); err != nil {
		return err
	}
	return s.putJSON(joinKey(signedPrefix, ss.Subscription.SubscriptionId), ss)
}

func (s *Store) GetProposal(id string) (types.SubscriptionProposal, error) {
	var p types.SubscriptionProposal
	if err := s.getJSON(joinKey(proposalPrefix, id), &p); err != nil {
		return types.SubscriptionProposal{}, err
	}
	return p, nil
}

func (s *Store) GetSigned(id string) (types.SignedSubscription, error) {
	var ss types.SignedSubscription
	if err := s.getJSON(joinKey(signedPrefix, id), &ss); err != nil {
		return types.SignedSubscription{}, err
	}
	return ss, nil
}

func (s *Store) MarkCancelled(id string, reason string, at uint64) error {
	return s.putJSON(joinKey(cancelledPrefix, id), cancelRecord{Reason: reason, CancelledAt: at})
}

func (s *Store) IsCancelled(id string) (bool, error) {
	ok, err := s.db.Has(joinKey(cancelledPrefix, id))
	if err != nil {
		return false, fmt.Errorf("%w: check cancellation: %s", ErrBackend, err)
	}
	return ok, nil
}

func (s *Store) ListActive(now uint64) ([]types.SignedSubscription, error) {
	var out []types.SignedSubscription
	var scanErr error
	err := s.db.Iterate(signedPrefix, func(_, value []byte) bool {
		var ss types.SignedSubscription
		if err := json.Unmarshal(value, &ss); err != nil {
			scanErr = fmt.Errorf("%w: decode signed subscription: %s", ErrBackend, err)
			return false
		}
		if !ss.Subscription.ActiveAt(now) {
			return true
		}
		cancelled, err := s.IsCancelled(ss.Subscription.SubscriptionId)
		if err != nil {
			scanErr = err
			return false
		}
		if !cancelled {
			out = append(out, ss)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan subscriptions: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

func (s *Store) ListWithPeer(peer crypto.Pubkey) ([]types.SignedSubscription, error) {
	var out []types.SignedSubscription
	var scanErr error
	err := s.db.Iterate(signedPrefix, func(_, value []byte) bool {
		var ss types.SignedSubscription
		if err := json.Unmarshal(value, &ss); err != nil {
			scanErr = fmt.Errorf("%w: decode signed subscription: %s", ErrBackend, err)
			return false
		}
		if ss.Subscription.Subscriber == peer || ss.Subscription.Provider == peer {
			out = append(out, ss)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan subscriptions: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// --- AutoPayStore ---

func (s *Store) SaveRule(rule types.AutoPayRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.putJSON(joinKey(rulePrefix, rule.RuleId), rule)
}

func (s *Store) GetRule(id string) (types.AutoPayRule, error) {
	var rule types.AutoPayRule
	if err := s.getJSON(joinKey(rulePrefix, id), &rule); err != nil {
		return types.AutoPayRule{}, err
	}
	return rule, nil
}

func (s *Store) ListRules() ([]types.AutoPayRule, error) {
	var out []types.AutoPayRule
	var scanErr error
	err := s.db.Iterate(rulePrefix, func(_, value []byte) bool {
		var rule types.AutoPayRule
		if err := json.Unmarshal(value, &rule); err != nil {
			scanErr = fmt.Errorf("%w: decode autopay rule: %s", ErrBackend, err)
			return false
		}
		out = append(out, rule)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan autopay rules: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

func (s *Store) SaveLimit(peer crypto.Pubkey, limit types.PeerSpendingLimit) error {
	if err := limit.Validate(); err != nil {
		return err
	}
	return s.putJSON(joinKey(limitPrefix, peer.String()), limit)
}

func (s *Store) GetLimit(peer crypto.Pubkey) (types.PeerSpendingLimit, error) {
	var limit types.PeerSpendingLimit
	if err := s.getJSON(joinKey(limitPrefix, peer.String()), &limit); err != nil {
		return types.PeerSpendingLimit{}, err
	}
	return limit, nil
}

func (s *Store) SaveLastPayment(subscriptionId string, paidAt uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], paidAt)
	if err := s.db.Put(joinKey(lastPaidPrefix, subscriptionId), buf[:]); err != nil {
		return fmt.Errorf("%w: save last payment: %s", ErrBackend, err)
	}
	return nil
}

func (s *Store) GetLastPayment(subscriptionId string) (uint64, error) {
	data, err := s.db.Get(joinKey(lastPaidPrefix, subscriptionId))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get last payment: %s", ErrBackend, err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: malformed last payment record", ErrBackend)
	}
	return binary.BigEndian.Uint64(data), nil
}

// --- RequestStore ---

func (s *Store) SaveRequest(req types.PaymentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return s.putJSON(joinKey(requestPrefix, req.RequestId), req)
}

func (s *Store) GetRequest(id string) (types.PaymentRequest, error) {
	var req types.PaymentRequest
	if err := s.getJSON(joinKey(requestPrefix, id), &req); err != nil {
		return types.PaymentRequest{}, err
	}
	return req, nil
}

func (s *Store) SetRequestStatus(id string, status types.RequestStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown request status %q", ErrConflict, status)
	}
	if err := s.db.Put(joinKey(reqStatusPrefix, id), []byte(status)); err != nil {
		return fmt.Errorf("%w: save request status: %s", ErrBackend, err)
	}
	return nil
}

func (s *Store) GetRequestStatus(id string) (types.RequestStatus, error) {
	data, err := s.db.Get(joinKey(reqStatusPrefix, id))
	if errors.Is(err, ErrKeyNotFound) {
		return types.RequestPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get request status: %s", ErrBackend, err)
	}
	return types.RequestStatus(data), nil
}

func (s *Store) ListRequests() ([]types.PaymentRequest, error) {
	var out []types.PaymentRequest
	var scanErr error
	err := s.db.Iterate(requestPrefix, func(_, value []byte) bool {
		var req types.PaymentRequest
		if err := json.Unmarshal(value, &req); err != nil {
			scanErr = fmt.Errorf("%w: decode payment request: %s", ErrBackend, err)
			return false
		}
		out = append(out, req)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan payment requests: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// --- NonceBackend ---

type nonceRecord struct {
	ExpiresAt int64 `json:"expiresAt"`
}

func (s *Store) InsertIfAbsent(nonce [crypto.NonceSize]byte, expiresAt time.Time) (bool, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	key := joinKey(noncePrefix, hex.EncodeToString(nonce[:]))
	var existing nonceRecord
	err := s.getJSON(key, &existing)
	switch {
	case err == nil:
		if time.Now().Unix() < existing.ExpiresAt {
			return false, nil
		}
	case !errors.Is(err, ErrNotFound):
		return false, err
	}
	if err := s.putJSON(key, nonceRecord{ExpiresAt: expiresAt.Unix()}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PurgeExpired(now time.Time) (int, error) {
	var lapsed [][]byte
	var scanErr error
	err := s.db.Iterate(noncePrefix, func(key, value []byte) bool {
		var record nonceRecord
		if err := json.Unmarshal(value, &record); err != nil {
			scanErr = fmt.Errorf("%w: decode nonce record: %s", ErrBackend, err)
			return false
		}
		if now.Unix() >= record.ExpiresAt {
			lapsed = append(lapsed, append([]byte(nil), key...))
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("%w: scan nonce records: %s", ErrBackend, err)
	}
	if scanErr != nil {
		return 0, scanErr
	}
	for _, key := range lapsed {
		if err := s.db.Delete(key); err != nil {
			return 0, fmt.Errorf("%w: delete nonce record: %s", ErrBackend, err)
		}
	}
	return len(lapsed), nil
}
