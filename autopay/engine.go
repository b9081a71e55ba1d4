package autopay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"paykit/crypto"
	"paykit/events"
	"paykit/storage"
	"paykit/types"
)

// PaymentInitiator carries a due payment to its rail. The receipt engine
// plus a dialled channel satisfy this; tests substitute fakes.
type PaymentInitiator interface {
	Pay(ctx context.Context, provider crypto.Pubkey, subscriptionId string, terms types.SubscriptionTerms) error
}

// PaymentInitiatorFunc adapts a function to the PaymentInitiator interface.
type PaymentInitiatorFunc func(ctx context.Context, provider crypto.Pubkey, subscriptionId string, terms types.SubscriptionTerms) error

func (f PaymentInitiatorFunc) Pay(ctx context.Context, provider crypto.Pubkey, subscriptionId string, terms types.SubscriptionTerms) error {
	return f(ctx, provider, subscriptionId, terms)
}

// Engine evaluates autopay rules against active subscriptions and executes
// the due ones under the accountant's caps.
type Engine struct {
	store      storage.AutoPayStore
	subs       storage.SubscriptionStore
	accountant *Accountant
	payments   PaymentInitiator
	events     events.Emitter
	now        func() time.Time
	log        *slog.Logger
}

// NewEngine wires the engine.
func NewEngine(store storage.AutoPayStore, subs storage.SubscriptionStore, accountant *Accountant, payments PaymentInitiator, emitter events.Emitter, log *slog.Logger) *Engine {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      store,
		subs:       subs,
		accountant: accountant,
		payments:   payments,
		events:     emitter,
		now:        time.Now,
		log:        log,
	}
}

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
		e.accountant.SetClock(now)
	}
}

// ExecuteDue runs one due rule to completion. Limit blocks and pending
// confirmations are normal outcomes reported through events, never errors.
func (e *Engine) ExecuteDue(ctx context.Context, rule types.AutoPayRule, sub types.Subscription) error {
	amount := sub.Terms.Amount

	if rule.RequiresConfirmation {
		e.events.Emit(events.ConfirmationRequired{
			RuleId:         rule.RuleId,
			SubscriptionId: sub.SubscriptionId,
			Provider:       sub.Provider,
			Amount:         amount,
		})
		return nil
	}

	if amount.WouldExceed(rule.MaxPerPayment) {
		e.events.Emit(events.LimitExceeded{
			RuleId:         rule.RuleId,
			SubscriptionId: sub.SubscriptionId,
			Scope:          events.LimitPerPayment,
			Amount:         amount,
			Cap:            rule.MaxPerPayment,
		})
		return nil
	}

	outcome, err := e.accountant.TryReserve(sub.Provider, amount)
	if err != nil && !errors.Is(err, ErrNoLimit) {
		return err
	}
	if err == nil && outcome == WouldExceed {
		periodCap := types.ZeroAmount
		if limit, limitErr := e.accountant.Limit(sub.Provider); limitErr == nil {
			periodCap = limit.MaxPerPeriod
		}
		e.events.Emit(events.LimitExceeded{
			RuleId:         rule.RuleId,
			SubscriptionId: sub.SubscriptionId,
			Scope:          events.LimitPerPeriod,
			Amount:         amount,
			Cap:            periodCap,
		})
		return nil
	}
	reserved := err == nil

	if payErr := e.payments.Pay(ctx, sub.Provider, sub.SubscriptionId, sub.Terms); payErr != nil {
		if reserved {
			if rbErr := e.accountant.Rollback(sub.Provider, amount); rbErr != nil {
				e.log.Error("reservation rollback failed",
					"subscription", sub.SubscriptionId,
					"error", rbErr.Error())
			}
		}
		e.events.Emit(events.PaymentFailed{
			RuleId:         rule.RuleId,
			SubscriptionId: sub.SubscriptionId,
			Provider:       sub.Provider,
			Amount:         amount,
			Reason:         payErr.Error(),
		})
		return payErr
	}

	paidAt := uint64(e.now().Unix())
	if err := e.store.SaveLastPayment(sub.SubscriptionId, paidAt); err != nil {
		return err
	}
	e.events.Emit(events.PaymentCompleted{
		RuleId:         rule.RuleId,
		SubscriptionId: sub.SubscriptionId,
		Provider:       sub.Provider,
		Amount:         amount,
		PaidAt:         paidAt,
	})
	return nil
}

// RunDueRules enumerates enabled rules and executes every due one. Each
// rule runs serially with respect to itself; callers may parallelise across
// rules.
func (e *Engine) RunDueRules(ctx context.Context, runner func(func() error) error) error {
	rules, err := e.store.ListRules()
	if err != nil {
		return err
	}
	now := e.now()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		rule := rule
		ss, err := e.subs.GetSigned(rule.SubscriptionId)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		cancelled, err := e.subs.IsCancelled(rule.SubscriptionId)
		if err != nil {
			return err
		}
		if cancelled {
			continue
		}

		lastPaid, err := e.store.GetLastPayment(rule.SubscriptionId)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if !IsDue(ss.Subscription, rule, lastPaid, now) {
			continue
		}

		work := func() error {
			if execErr := e.ExecuteDue(ctx, rule, ss.Subscription); execErr != nil {
				e.log.Warn("autopay execution failed",
					"rule", rule.RuleId,
					"subscription", rule.SubscriptionId,
					"error", execErr.Error())
			}
			return nil
		}
		if runner != nil {
			if err := runner(work); err != nil {
				return err
			}
		} else if err := work(); err != nil {
			return err
		}
	}
	return nil
}

// EnableRule flips a rule on or off.
func (e *Engine) EnableRule(ruleId string, enabled bool) error {
	rule, err := e.store.GetRule(ruleId)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	return e.store.SaveRule(rule)
}

// ConfirmPending executes a rule whose confirmation the user just granted.
// It re-checks the caps: approval does not bypass them.
func (e *Engine) ConfirmPending(ctx context.Context, ruleId string) error {
	rule, err := e.store.GetRule(ruleId)
	if err != nil {
		return err
	}
	ss, err := e.subs.GetSigned(rule.SubscriptionId)
	if err != nil {
		return err
	}
	confirmed := rule
	confirmed.RequiresConfirmation = false
	return e.ExecuteDue(ctx, confirmed, ss.Subscription)
}
