package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"coachapi/internal/model"
	"coachapi/internal/pubsub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

var testPrices = model.PriceTable{
	"price_starter": model.PlanStarter,
	"price_pro":     model.PlanPro,
	"price_elite":   model.PlanElite,
}

type paymentFixture struct {
	svc      *paymentService
	accounts *memAccounts
	links    *memLinks
	subs     *fakeSubscriptions
	events   *fakeEvents
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{
		accounts: newMemAccounts(),
		links:    newMemLinks(),
		subs:     &fakeSubscriptions{subs: map[string]*SubscriptionSnapshot{}},
		events:   &fakeEvents{},
	}
	svc := NewPaymentService(testWebhookSecret, testPrices, f.accounts, f.links, f.subs, f.events, testLogger()).(*paymentService)
	svc.now = newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)).Now
	f.svc = svc
	return f
}

func buildEvent(t *testing.T, id, eventType string, created int64, object map[string]any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created,
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	var ev stripe.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func subscriptionObject(id, customer, status, price string, periodEnd int64, metadata map[string]string) map[string]any {
	obj := map[string]any{
		"id":       id,
		"object":   "subscription",
		"customer": customer,
		"status":   status,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":                 "si_" + id,
				"object":             "subscription_item",
				"price":              map[string]any{"id": price, "object": "price"},
				"current_period_end": periodEnd,
			}},
		},
	}
	if metadata != nil {
		obj["metadata"] = metadata
	}
	return obj
}

func checkoutObject(sessionID, customer, subscription, email, planHint string) map[string]any {
	return map[string]any{
		"id":                  "cs_" + sessionID,
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            customer,
		"subscription":        subscription,
		"client_reference_id": sessionID,
		"metadata":            map[string]string{"sessionId": sessionID, "plan": planHint},
		"customer_details":    map[string]any{"email": email},
	}
}

func TestConstructEventVerifiesSignature(t *testing.T) {
	f := newPaymentFixture()
	payload := []byte(`{"id":"evt_sig","object":"event","type":"customer.subscription.updated","created":1,"data":{"object":{"id":"sub_1","object":"subscription"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	ev, err := f.svc.ConstructEvent(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_sig", ev.ID)

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_someone_else",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	_, err = f.svc.ConstructEvent(forged.Payload, forged.Header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.svc.ConstructEvent(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCheckoutCompletedAppliesPlanAndLinksEmail(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.subs.subs["sub_1"] = &SubscriptionSnapshot{ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_pro", CurrentPeriodEnd: &end}

	ev := buildEvent(t, "evt_1", "checkout.session.completed", 1000, checkoutObject("sess-a", "cus_1", "sub_1", "Buyer@Example.com", "pro"))
	outcome, err := f.svc.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	acct := f.accounts.snapshot("sess-a")
	require.NotNil(t, acct)
	assert.Equal(t, model.PlanPro, acct.Plan)
	assert.Equal(t, "cus_1", *acct.StripeCustomerID)
	assert.Equal(t, "sub_1", *acct.StripeSubscriptionID)
	assert.Equal(t, "active", *acct.StripeSubscriptionStatus)
	assert.True(t, end.Equal(*acct.StripeCurrentPeriodEnd))
	assert.Equal(t, "buyer@example.com", *acct.AuthEmail)

	link, err := f.links.GetLink(ctx, "buyer@example.com")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "sess-a", link.SessionID)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, pubsub.EventPlanChanged, f.events.events[0].Type)
	assert.Equal(t, "pro", f.events.events[0].Plan)
	assert.Equal(t, "evt_1", f.events.events[0].StripeID)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	ev := buildEvent(t, "evt_dup", "customer.subscription.updated", 2000,
		subscriptionObject("sub_1", "cus_1", "active", "price_elite", 1780000000, map[string]string{"sessionId": "sess-a"}))

	for i := 0; i < 2; i++ {
		outcome, err := f.svc.HandleEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
	}
	first := f.accounts.snapshot("sess-a")
	require.NotNil(t, first)
	assert.Equal(t, model.PlanElite, first.Plan)
	assert.Equal(t, "cus_1", *first.StripeCustomerID)
}

func TestStaleEventIsSkipped(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	meta := map[string]string{"sessionId": "sess-a"}

	newer := buildEvent(t, "evt_new", "customer.subscription.updated", 3000,
		subscriptionObject("sub_1", "cus_1", "active", "price_elite", 0, meta))
	older := buildEvent(t, "evt_old", "customer.subscription.updated", 2000,
		subscriptionObject("sub_1", "cus_1", "active", "price_starter", 0, meta))

	outcome, err := f.svc.HandleEvent(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.svc.HandleEvent(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, model.PlanElite, f.accounts.snapshot("sess-a").Plan)
}

func TestSubscriptionDeletedForcesFree(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	f.accounts.put(model.Account{SessionID: "sess-a", Plan: model.PlanPro, StripeCustomerID: strPtr("cus_1")})

	// No metadata: the account is found through its customer id.
	ev := buildEvent(t, "evt_del", "customer.subscription.deleted", 4000,
		subscriptionObject("sub_1", "cus_1", "active", "price_pro", 0, nil))
	outcome, err := f.svc.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	acct := f.accounts.snapshot("sess-a")
	assert.Equal(t, model.PlanFree, acct.Plan)
	assert.Equal(t, "cus_1", *acct.StripeCustomerID)
}

func TestTerminalStatusForcesFree(t *testing.T) {
	for _, status := range []string{"canceled", "incomplete_expired"} {
		t.Run(status, func(t *testing.T) {
			f := newPaymentFixture()
			ev := buildEvent(t, "evt_"+status, "customer.subscription.updated", 4000,
				subscriptionObject("sub_1", "cus_1", status, "price_pro", 0, map[string]string{"sessionId": "sess-a"}))
			_, err := f.svc.HandleEvent(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, model.PlanFree, f.accounts.snapshot("sess-a").Plan)
		})
	}
}

func TestUnresolvableEventIsDropped(t *testing.T) {
	f := newPaymentFixture()
	ev := buildEvent(t, "evt_orphan", "customer.subscription.updated", 5000,
		subscriptionObject("sub_9", "cus_unknown", "active", "price_pro", 0, nil))

	outcome, err := f.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Empty(t, f.accounts.accounts)
	assert.Empty(t, f.events.events)
}

func TestPlanHintUsedOnlyForUnknownPrice(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	f.subs.subs["sub_a"] = &SubscriptionSnapshot{ID: "sub_a", CustomerID: "cus_a", Status: "active", PriceID: "price_legacy"}
	ev := buildEvent(t, "evt_hint", "checkout.session.completed", 1000, checkoutObject("sess-a", "cus_a", "sub_a", "a@example.com", "elite"))
	_, err := f.svc.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.PlanElite, f.accounts.snapshot("sess-a").Plan)

	// A known price wins over a conflicting hint.
	f.subs.subs["sub_b"] = &SubscriptionSnapshot{ID: "sub_b", CustomerID: "cus_b", Status: "active", PriceID: "price_starter"}
	ev = buildEvent(t, "evt_price", "checkout.session.completed", 1000, checkoutObject("sess-b", "cus_b", "sub_b", "b@example.com", "elite"))
	_, err = f.svc.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStarter, f.accounts.snapshot("sess-b").Plan)
}

func TestUnknownPlanLeavesPlanUnchanged(t *testing.T) {
	f := newPaymentFixture()
	f.accounts.put(model.Account{SessionID: "sess-a", Plan: model.PlanPro})

	ev := buildEvent(t, "evt_unknown", "customer.subscription.updated", 6000,
		subscriptionObject("sub_1", "cus_1", "active", "price_mystery", 0, map[string]string{"sessionId": "sess-a"}))
	outcome, err := f.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	acct := f.accounts.snapshot("sess-a")
	assert.Equal(t, model.PlanPro, acct.Plan)
	assert.Equal(t, "cus_1", *acct.StripeCustomerID)
	assert.Empty(t, f.events.events)
}

func TestMetadataKeyIsSanitized(t *testing.T) {
	f := newPaymentFixture()
	ev := buildEvent(t, "evt_s", "customer.subscription.created", 100,
		subscriptionObject("sub_1", "cus_1", "active", "price_pro", 0, map[string]string{"sessionId": " a/b "}))
	_, err := f.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, f.accounts.snapshot("a_b"))
}

func TestUnhandledEventIsIgnored(t *testing.T) {
	f := newPaymentFixture()
	ev := buildEvent(t, "evt_inv", "invoice.paid", 1, map[string]any{"id": "in_1", "object": "invoice"})
	outcome, err := f.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestHandleEventFailuresAreReturned(t *testing.T) {
	ctx := context.Background()

	f := newPaymentFixture()
	f.accounts.applyErr = errStore
	ev := buildEvent(t, "evt_err", "customer.subscription.updated", 1,
		subscriptionObject("sub_1", "cus_1", "active", "price_pro", 0, map[string]string{"sessionId": "sess-a"}))
	_, err := f.svc.HandleEvent(ctx, ev)
	assert.ErrorIs(t, err, errStore)

	f = newPaymentFixture()
	f.subs.err = errors.New("stripe unavailable")
	ev = buildEvent(t, "evt_fetch", "checkout.session.completed", 1, checkoutObject("sess-a", "cus_1", "sub_1", "a@example.com", "pro"))
	_, err = f.svc.HandleEvent(ctx, ev)
	assert.Error(t, err)
	assert.Nil(t, f.accounts.snapshot("sess-a"))
}

func TestOutOfOrderDeliveryConverges(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	meta := map[string]string{"sessionId": "sess-a"}

	var evs []stripe.Event
	for i, price := range []string{"price_starter", "price_pro", "price_elite"} {
		evs = append(evs, buildEvent(t, fmt.Sprintf("evt_%d", i), "customer.subscription.updated", int64(100+i),
			subscriptionObject("sub_1", "cus_1", "active", price, 0, meta)))
	}
	for _, i := range []int{2, 0, 1} {
		_, err := f.svc.HandleEvent(ctx, evs[i])
		require.NoError(t, err)
	}
	assert.Equal(t, model.PlanElite, f.accounts.snapshot("sess-a").Plan)
}
