package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"coachapi/internal/model"
	"coachapi/internal/pubsub"
	"coachapi/internal/repository"

	"github.com/rs/zerolog"
)

var errStore = errors.New("store unavailable")

func testLogger() zerolog.Logger { return zerolog.Nop() }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func strPtr(s string) *string { return &s }

// memAccounts is an in-memory AccountRepository.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	getErr   error
	applyErr error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]*model.Account{}}
}

func (m *memAccounts) put(a model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Plan == "" {
		a.Plan = model.PlanFree
	}
	m.accounts[a.SessionID] = &a
}

func (m *memAccounts) snapshot(id string) *model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (m *memAccounts) GetAccount(_ context.Context, id string) (*model.Account, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.snapshot(id), nil
}

func (m *memAccounts) EnsureAccount(_ context.Context, id string, now time.Time) (*model.Account, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	a, ok := m.accounts[id]
	if !ok {
		a = &model.Account{SessionID: id, Plan: model.PlanFree, CreatedAt: now, UpdatedAt: now}
		m.accounts[id] = a
	}
	a.LastSeenAt = now
	m.mu.Unlock()
	return m.snapshot(id), nil
}

func (m *memAccounts) FindByCustomerIDs(_ context.Context, ids []string) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Account
	for _, a := range m.accounts {
		if a.StripeCustomerID != nil && want[*a.StripeCustomerID] {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Plan != model.PlanFree, out[j].Plan != model.PlanFree
		if pi != pj {
			return pi
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *memAccounts) GetAccountByCustomerID(ctx context.Context, customerID string) (*model.Account, error) {
	accts, _ := m.FindByCustomerIDs(ctx, []string{customerID})
	if len(accts) == 0 {
		return nil, nil
	}
	return &accts[0], nil
}

func (m *memAccounts) SetAuthIdentity(_ context.Context, id, email string, authUserID *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return errors.New("no account")
	}
	a.AuthEmail = &email
	if authUserID != nil {
		a.AuthUserID = authUserID
	}
	a.UpdatedAt = now
	return nil
}

func (m *memAccounts) UpdateProfile(_ context.Context, id string, upd model.ProfileUpdate, now time.Time) (*model.Account, error) {
	m.mu.Lock()
	a, ok := m.accounts[id]
	if !ok {
		a = &model.Account{SessionID: id, Plan: model.PlanFree, CreatedAt: now}
		m.accounts[id] = a
	}
	if upd.Name != nil {
		a.Name = upd.Name
	}
	if upd.PrimaryFocus != nil {
		a.PrimaryFocus = upd.PrimaryFocus
	}
	if upd.PreferredMode != nil {
		a.PreferredMode = upd.PreferredMode
	}
	if upd.Goal30 != nil {
		a.Goal30 = upd.Goal30
	}
	if upd.OnboardingComplete != nil {
		a.OnboardingComplete = *upd.OnboardingComplete
	}
	if upd.OnboardingSkipped != nil {
		a.OnboardingSkipped = *upd.OnboardingSkipped
	}
	a.UpdatedAt = now
	m.mu.Unlock()
	return m.snapshot(id), nil
}

func (m *memAccounts) ApplyBilling(_ context.Context, id string, p model.BillingPatch, now time.Time) (bool, error) {
	if m.applyErr != nil {
		return false, m.applyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		a = &model.Account{SessionID: id, Plan: model.PlanFree, CreatedAt: now, LastSeenAt: now}
		m.accounts[id] = a
	} else if a.StripeEventAt != nil && a.StripeEventAt.After(p.EventAt) {
		return false, nil
	}
	if p.Plan != nil {
		a.Plan = model.ParsePlan(string(*p.Plan))
	}
	if p.CustomerID != nil {
		a.StripeCustomerID = p.CustomerID
	}
	if p.SubscriptionID != nil {
		a.StripeSubscriptionID = p.SubscriptionID
	}
	if p.SubscriptionStatus != nil {
		a.StripeSubscriptionStatus = p.SubscriptionStatus
	}
	if p.CurrentPeriodEnd != nil {
		a.StripeCurrentPeriodEnd = p.CurrentPeriodEnd
	}
	if p.AuthEmail != nil {
		a.AuthEmail = p.AuthEmail
	}
	at := p.EventAt
	a.StripeEventAt = &at
	a.UpdatedAt = now
	return true, nil
}

func (m *memAccounts) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
	return nil
}

// memLinks is an in-memory EmailLinkRepository.
type memLinks struct {
	mu    sync.Mutex
	links map[string]*model.EmailLink
}

func newMemLinks() *memLinks { return &memLinks{links: map[string]*model.EmailLink{}} }

func (m *memLinks) GetLink(_ context.Context, email string) (*model.EmailLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[model.EmailLinkKey(email)]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memLinks) UpsertLink(_ context.Context, email, sessionID string, authUserID *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.EmailLinkKey(email)
	l, ok := m.links[key]
	if !ok {
		l = &model.EmailLink{Email: model.NormalizeEmail(email), CreatedAt: now}
		m.links[key] = l
	}
	l.SessionID = sessionID
	if authUserID != nil {
		l.AuthUserID = authUserID
	}
	l.UpdatedAt = now
	return nil
}

func (m *memLinks) DeleteLink(_ context.Context, email, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.EmailLinkKey(email)
	if l, ok := m.links[key]; ok && l.SessionID == sessionID {
		delete(m.links, key)
	}
	return nil
}

func (m *memLinks) DeleteLinksForSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, l := range m.links {
		if l.SessionID == sessionID {
			delete(m.links, k)
		}
	}
	return nil
}

// memUsage is an in-memory UsageRepository; the mutex stands in for the
// serializable transaction.
type memUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemUsage() *memUsage { return &memUsage{counts: map[string]int{}} }

func (m *memUsage) GetUsage(_ context.Context, sessionID, dateKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[sessionID+"|"+dateKey], nil
}

func (m *memUsage) Increment(_ context.Context, sessionID, dateKey string, limit *int, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionID + "|" + dateKey
	current := m.counts[key]
	if limit != nil && current+1 > *limit {
		return current, repository.ErrUsageLimitReached
	}
	m.counts[key] = current + 1
	return current + 1, nil
}

func (m *memUsage) DeleteUsageForSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.counts {
		if len(k) > len(sessionID) && k[:len(sessionID)+1] == sessionID+"|" {
			delete(m.counts, k)
		}
	}
	return nil
}

// memSubjects is an in-memory SubjectRepository.
type memSubjects struct {
	mu                sync.Mutex
	subjects          map[string]*model.Subject
	messages          map[string][]model.SubjectMessage
	deleteMessagesErr error
}

func newMemSubjects() *memSubjects {
	return &memSubjects{subjects: map[string]*model.Subject{}, messages: map[string][]model.SubjectMessage{}}
}

func (m *memSubjects) CountSubjects(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subjects {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memSubjects) CreateSubject(_ context.Context, s *model.Subject, maxSubjects int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, existing := range m.subjects {
		if existing.UserID == s.UserID {
			n++
		}
	}
	if n >= maxSubjects {
		return repository.ErrSubjectLimitReached
	}
	cp := *s
	m.subjects[s.ID] = &cp
	return nil
}

func (m *memSubjects) ListSubjects(_ context.Context, userID string) ([]model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subject{}
	for _, s := range m.subjects {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memSubjects) GetSubject(_ context.Context, id string) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSubjects) UpdateSubject(_ context.Context, id string, upd model.SubjectUpdate, now time.Time) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, nil
	}
	if upd.Title != nil {
		s.Title = *upd.Title
	}
	if upd.Mode != nil {
		s.Mode = *upd.Mode
	}
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (m *memSubjects) TouchSubject(_ context.Context, id, preview string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subjects[id]; ok {
		s.LastMessagePreview = &preview
		if at.After(s.UpdatedAt) {
			s.UpdatedAt = at
		}
	}
	return nil
}

func (m *memSubjects) DeleteSubject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subjects, id)
	return nil
}

func (m *memSubjects) DeleteSubjectsForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subjects {
		if s.UserID == userID {
			delete(m.messages, id)
			delete(m.subjects, id)
		}
	}
	return nil
}

func (m *memSubjects) CreateMessage(_ context.Context, msg *model.SubjectMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SubjectID] = append(m.messages[msg.SubjectID], *msg)
	return nil
}

func (m *memSubjects) ListRecentMessages(_ context.Context, subjectID string, limit int) ([]model.SubjectMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]model.SubjectMessage(nil), m.messages[subjectID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *memSubjects) DeleteMessages(_ context.Context, subjectID string) error {
	if m.deleteMessagesErr != nil {
		return m.deleteMessagesErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, subjectID)
	return nil
}

func (m *memSubjects) messageCount(subjectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[subjectID])
}

// memThreads is an in-memory ThreadRepository.
type memThreads struct {
	mu    sync.Mutex
	turns map[string][]model.ThreadMessage
}

func newMemThreads() *memThreads { return &memThreads{turns: map[string][]model.ThreadMessage{}} }

func (m *memThreads) AppendTurns(_ context.Context, msgs []model.ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.turns[msg.SessionID] = append(m.turns[msg.SessionID], msg)
	}
	return nil
}

func (m *memThreads) ListRecentTurns(_ context.Context, sessionID string, limit int) ([]model.ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append([]model.ThreadMessage(nil), m.turns[sessionID]...)
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (m *memThreads) DeleteThread(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

type fakeCustomers struct {
	byEmail map[string][]string
	err     error
	calls   int
}

func (f *fakeCustomers) FindCustomerIDsByEmail(_ context.Context, email string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byEmail[email], nil
}

type fakeSubscriptions struct {
	subs map[string]*SubscriptionSnapshot
	err  error
}

func (f *fakeSubscriptions) FetchSubscription(_ context.Context, id string) (*SubscriptionSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return s, nil
}

type fakeCompleter struct {
	reply string
	err   error
	calls int
	turns []model.Turn
}

func (f *fakeCompleter) Complete(_ context.Context, turns []model.Turn, _ int) (string, error) {
	f.calls++
	f.turns = turns
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []pubsub.AccountEvent
}

func (f *fakeEvents) PublishAccountEvent(_ context.Context, ev pubsub.AccountEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}
