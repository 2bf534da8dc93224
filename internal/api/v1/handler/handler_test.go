package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coachapi/internal/apperr"
	"coachapi/internal/middleware"
	"coachapi/internal/model"
	"coachapi/internal/service"
	"coachapi/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

var (
	testLogger    = zerolog.Nop()
	testValidate  = validator.New(validator.WithRequiredStructEnabled())
	testTransport = session.Transport{CookieName: "mc_session_id", HeaderName: "X-Session-Id", MaxAge: time.Hour}
)

// asAccount injects a resolved account the way the session middleware does.
func asAccount(acct *model.Account, authenticated bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := &service.Resolution{SessionID: acct.SessionID, Account: acct, Authenticated: authenticated}
			next.ServeHTTP(w, r.WithContext(middleware.WithResolution(r.Context(), res)))
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Code]int{
		apperr.CodeSessionRequired: http.StatusUnauthorized,
		apperr.CodeUnauthorized:    http.StatusUnauthorized,
		apperr.CodeUpgradeRequired: http.StatusForbidden,
		apperr.CodeLimitReached:    http.StatusForbidden,
		apperr.CodeForbidden:       http.StatusForbidden,
		apperr.CodeNotFound:        http.StatusNotFound,
		apperr.CodeInvalidTitle:    http.StatusBadRequest,
		apperr.CodeNoUpdates:       http.StatusBadRequest,
		apperr.Code("SOMETHING"):   http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("pq: password authentication failed"), testLogger)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	assert.Equal(t, "INTERNAL", errorCode(t, w))
}

func TestSessionHandler(t *testing.T) {
	mux := http.NewServeMux()
	NewSessionHandler(testTransport, testLogger).RegisterRoutes(mux)

	w := doJSON(t, mux, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotEmpty(t, got.SessionID)
	require.Len(t, w.Result().Cookies(), 1)
	assert.Equal(t, got.SessionID, w.Result().Cookies()[0].Value)

	r := httptest.NewRequest(http.MethodGet, "/session", nil)
	r.AddCookie(&http.Cookie{Name: "mc_session_id", Value: "existing"})
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "existing", got.SessionID)

	r = httptest.NewRequest(http.MethodPost, "/session", nil)
	r.AddCookie(&http.Cookie{Name: "mc_session_id", Value: "existing"})
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEqual(t, "existing", got.SessionID)

	w = doJSON(t, mux, http.MethodPost, "/session/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, w.Result().Cookies(), 1)
	assert.Empty(t, w.Result().Cookies()[0].Value)
}

type stubChat struct {
	req   service.ChatRequest
	reply *service.ChatReply
	err   error
	turns []model.ThreadMessage
}

func (s *stubChat) Send(_ context.Context, req service.ChatRequest) (*service.ChatReply, error) {
	s.req = req
	return s.reply, s.err
}

func (s *stubChat) History(_ context.Context, _ string) ([]model.ThreadMessage, error) {
	return s.turns, s.err
}

func TestChatHandler(t *testing.T) {
	acct := &model.Account{SessionID: "sess-a", Plan: model.PlanPro}
	chat := &stubChat{reply: &service.ChatReply{Reply: "ok", Usage: 3}}
	mux := http.NewServeMux()
	NewChatHandler(chat, testValidate, testLogger).RegisterRoutes(mux, asAccount(acct, false))

	w := doJSON(t, mux, http.MethodPost, "/chat", map[string]string{"message": "hi", "mode": "purpose"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-a", chat.req.SessionID)
	assert.Equal(t, model.PlanPro, chat.req.Plan)
	assert.Equal(t, "purpose", chat.req.Mode)
	assert.Contains(t, w.Body.String(), `"reply":"ok"`)

	w = doJSON(t, mux, http.MethodPost, "/chat", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, mux, http.MethodPost, "/chat", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	chat.err = apperr.New(apperr.CodeLimitReached, "Daily message limit of 10 reached.")
	w = doJSON(t, mux, http.MethodPost, "/chat", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "LIMIT_REACHED", errorCode(t, w))
}

func TestChatHandlerWithoutSession(t *testing.T) {
	mux := http.NewServeMux()
	NewChatHandler(&stubChat{}, testValidate, testLogger).RegisterRoutes(mux, passthrough)
	w := doJSON(t, mux, http.MethodPost, "/chat", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "SESSION_REQUIRED", errorCode(t, w))
}

type stubSubjects struct {
	service.SubjectService
	created  service.CreateSubjectInput
	plan     model.Plan
	updated  model.SubjectUpdate
	limit    int
	deleteID string
}

func (s *stubSubjects) Create(_ context.Context, userID string, in service.CreateSubjectInput, plan model.Plan) (*model.Subject, error) {
	s.created, s.plan = in, plan
	return &model.Subject{ID: "s1", UserID: userID, Title: in.Title, Mode: model.Mode(in.Mode)}, nil
}

func (s *stubSubjects) List(_ context.Context, _ string) ([]model.Subject, error) {
	return []model.Subject{{ID: "s1", Title: "t"}}, nil
}

func (s *stubSubjects) Update(_ context.Context, _ string, id string, upd model.SubjectUpdate) (*model.Subject, error) {
	s.updated = upd
	return &model.Subject{ID: id}, nil
}

func (s *stubSubjects) Delete(_ context.Context, _ string, id string) error {
	s.deleteID = id
	if id == "missing" {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *stubSubjects) ListMessages(_ context.Context, _ string, _ string, limit int) ([]model.SubjectMessage, error) {
	s.limit = limit
	return nil, nil
}

func TestSubjectHandlerGatesOnPlan(t *testing.T) {
	for _, plan := range []model.Plan{model.PlanFree, model.PlanStarter} {
		mux := http.NewServeMux()
		NewSubjectHandler(&stubSubjects{}, testValidate, testLogger).RegisterRoutes(mux, asAccount(&model.Account{SessionID: "a", Plan: plan}, false))
		for _, req := range []struct{ method, path string }{
			{http.MethodGet, "/subjects"},
			{http.MethodPost, "/subjects"},
			{http.MethodPatch, "/subjects/s1"},
			{http.MethodDelete, "/subjects/s1"},
			{http.MethodGet, "/subjects/s1/messages"},
		} {
			w := doJSON(t, mux, req.method, req.path, map[string]string{"title": "x", "mode": "purpose"})
			assert.Equal(t, http.StatusForbidden, w.Code, "%s %s on %s", req.method, req.path, plan)
			assert.Equal(t, "UPGRADE_REQUIRED", errorCode(t, w))
		}
	}
}

func TestSubjectHandlerRoutes(t *testing.T) {
	subjects := &stubSubjects{}
	mux := http.NewServeMux()
	NewSubjectHandler(subjects, testValidate, testLogger).RegisterRoutes(mux, asAccount(&model.Account{SessionID: "a", Plan: model.PlanElite}, false))

	w := doJSON(t, mux, http.MethodPost, "/subjects", map[string]string{"title": "Work", "mode": "business"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Work", subjects.created.Title)
	assert.Equal(t, model.PlanElite, subjects.plan)

	w = doJSON(t, mux, http.MethodGet, "/subjects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subjects"`)

	w = doJSON(t, mux, http.MethodPatch, "/subjects/s9", map[string]string{"mode": "purpose"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, subjects.updated.Title)
	require.NotNil(t, subjects.updated.Mode)
	assert.Equal(t, model.ModePurpose, *subjects.updated.Mode)

	w = doJSON(t, mux, http.MethodDelete, "/subjects/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, mux, http.MethodGet, "/subjects/s1/messages?limit=25", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 25, subjects.limit)
}

type stubAccounts struct {
	erased string
}

func (s *stubAccounts) Me(_ context.Context, acct *model.Account) (*service.MeSnapshot, error) {
	return &service.MeSnapshot{SessionID: acct.SessionID, Plan: acct.Plan}, nil
}

func (s *stubAccounts) SaveOnboarding(_ context.Context, sessionID string, upd model.ProfileUpdate) (*model.Account, error) {
	return &model.Account{SessionID: sessionID, Name: upd.Name, OnboardingComplete: true}, nil
}

func (s *stubAccounts) Erase(_ context.Context, sessionID string) error {
	s.erased = sessionID
	return nil
}

func TestAccountDeleteRequiresSignIn(t *testing.T) {
	accounts := &stubAccounts{}
	acct := &model.Account{SessionID: "a"}

	mux := http.NewServeMux()
	NewAccountHandler(accounts, testTransport, testValidate, testLogger).RegisterRoutes(mux, asAccount(acct, false), asAccount(acct, false))
	w := doJSON(t, mux, http.MethodPost, "/account/delete", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, accounts.erased)

	mux = http.NewServeMux()
	NewAccountHandler(accounts, testTransport, testValidate, testLogger).RegisterRoutes(mux, asAccount(acct, true), asAccount(acct, true))
	w = doJSON(t, mux, http.MethodPost, "/account/delete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", accounts.erased)
	require.Len(t, w.Result().Cookies(), 1)
	assert.Negative(t, w.Result().Cookies()[0].MaxAge)
}

func TestMeAndOnboarding(t *testing.T) {
	acct := &model.Account{SessionID: "a", Plan: model.PlanStarter}
	mux := http.NewServeMux()
	NewAccountHandler(&stubAccounts{}, testTransport, testValidate, testLogger).RegisterRoutes(mux, asAccount(acct, false), asAccount(acct, false))

	w := doJSON(t, mux, http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"plan":"starter"`)

	w = doJSON(t, mux, http.MethodPost, "/onboarding", map[string]string{"name": "Sam"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"onboardingComplete":true`)
}

type stubBilling struct {
	in         service.CheckoutInput
	customerID string
}

func (s *stubBilling) CreateCheckoutSession(_ context.Context, in service.CheckoutInput) (string, error) {
	s.in = in
	return "https://checkout.example/session", nil
}

func (s *stubBilling) CreatePortalSession(_ context.Context, customerID string) (string, error) {
	s.customerID = customerID
	if customerID == "" {
		return "", apperr.New(apperr.CodeNotFound, "No billing account found.")
	}
	return "https://portal.example/session", nil
}

func TestCheckoutAndPortal(t *testing.T) {
	billing := &stubBilling{}
	acct := &model.Account{SessionID: "a", AuthEmail: strPtr("a@example.com"), StripeCustomerID: strPtr("cus_1")}
	mux := http.NewServeMux()
	NewSubscriptionHandler(billing, testValidate, testLogger).RegisterRoutes(mux, asAccount(acct, true), asAccount(acct, true))

	w := doJSON(t, mux, http.MethodPost, "/billing/checkout", map[string]string{"plan": "free"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, mux, http.MethodPost, "/billing/checkout", map[string]string{"plan": "pro"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", billing.in.SessionID)
	assert.Equal(t, model.PlanPro, billing.in.Plan)
	assert.Equal(t, "cus_1", billing.in.CustomerID)
	assert.Contains(t, w.Body.String(), "checkout.example")

	w = doJSON(t, mux, http.MethodPost, "/billing/portal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cus_1", billing.customerID)

	mux = http.NewServeMux()
	NewSubscriptionHandler(billing, testValidate, testLogger).RegisterRoutes(mux, asAccount(&model.Account{SessionID: "b"}, false), asAccount(&model.Account{SessionID: "b"}, false))
	w = doJSON(t, mux, http.MethodPost, "/billing/portal", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type stubPayments struct {
	constructErr error
	handleErr    error
	handled      bool
}

func (s *stubPayments) ConstructEvent(_ []byte, _ string) (stripe.Event, error) {
	if s.constructErr != nil {
		return stripe.Event{}, s.constructErr
	}
	return stripe.Event{ID: "evt_1", Type: "customer.subscription.updated"}, nil
}

func (s *stubPayments) HandleEvent(_ context.Context, _ stripe.Event) (service.Outcome, error) {
	s.handled = true
	return service.OutcomeApplied, s.handleErr
}

func TestWebhookHandler(t *testing.T) {
	cases := []struct {
		name     string
		payments *stubPayments
		want     int
		handled  bool
	}{
		{"bad signature", &stubPayments{constructErr: service.ErrInvalidSignature}, http.StatusBadRequest, false},
		{"handler failure", &stubPayments{handleErr: errors.New("db down")}, http.StatusInternalServerError, true},
		{"applied", &stubPayments{}, http.StatusOK, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			NewWebhookHandler(tc.payments, testLogger).RegisterRoutes(mux)
			w := doJSON(t, mux, http.MethodPost, "/stripe/webhook", "{}")
			assert.Equal(t, tc.want, w.Code)
			assert.Equal(t, tc.handled, tc.payments.handled)
		})
	}
}

func strPtr(s string) *string { return &s }
