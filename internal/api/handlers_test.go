package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/billing"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/subscriber"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/postgres"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTx struct{}

func (fakeTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) ResolveCustomer(ctx context.Context, token string) (*billing.Customer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &billing.Customer{
		CustomerIdentifier:   "cust-" + token,
		ProductCode:          "prod-1",
		CustomerAWSAccountID: "123456789012",
	}, nil
}

type fakeSubscriberRepo struct {
	store map[string]*subscriber.Subscriber
}

func newFakeSubscriberRepo() *fakeSubscriberRepo {
	return &fakeSubscriberRepo{store: make(map[string]*subscriber.Subscriber)}
}

func (f *fakeSubscriberRepo) Create(ctx context.Context, s *subscriber.Subscriber) error {
	f.store[s.CustomerIdentifier] = s
	return nil
}

func (f *fakeSubscriberRepo) GetByCustomerIdentifier(ctx context.Context, id string) (*subscriber.Subscriber, error) {
	s, ok := f.store[id]
	if !ok {
		return nil, postgres.ErrSubscriberNotFound
	}
	return s, nil
}

type fakeUsageRepo struct {
	created   []*usage.Record
	createErr error
}

func (f *fakeUsageRepo) Create(ctx context.Context, rec *usage.Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeUsageRepo) FetchPendingBatch(ctx context.Context, limit int) ([]*usage.Record, error) {
	return nil, nil
}

func (f *fakeUsageRepo) ResetClaim(ctx context.Context, keys []usage.Key) error { return nil }

func (f *fakeUsageRepo) MarkCompleted(ctx context.Context, key usage.Key, reportedAt time.Time) error {
	return nil
}

func (f *fakeUsageRepo) MarkFailed(ctx context.Context, key usage.Key, errMsg string, failedAt time.Time) error {
	return nil
}

func (f *fakeUsageRepo) ReclaimStuck(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

type fakeNotifier struct {
	notified []string
	err      error
}

func (f *fakeNotifier) NotifyNewSubscriber(ctx context.Context, s *subscriber.Subscriber) error {
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, s.CustomerIdentifier)
	return nil
}

func newTestRouter(repo *fakeSubscriberRepo, usageRepo *fakeUsageRepo, resolver *fakeResolver, notifier *fakeNotifier) http.Handler {
	registerUC := usecase.NewRegisterSubscriber(fakeTx{}, resolver, repo, usageRepo, notifier, zap.NewNop())
	getUC := usecase.NewGetSubscriber(repo)
	h := NewHandlers(registerUC, getUC)

	r := chi.NewRouter()
	r.Post("/subscribers", h.RegisterSubscriber)
	r.Get("/subscribers/{customerIdentifier}", h.GetSubscriber)
	return r
}

func TestRegisterSubscriber(t *testing.T) {
	repo := newFakeSubscriberRepo()
	usageRepo := &fakeUsageRepo{}
	notifier := &fakeNotifier{}
	router := newTestRouter(repo, usageRepo, &fakeResolver{}, notifier)

	body := `{"registration_token":"tok1","contact_email":"ops@example.com","company_name":"Acme"}`
	req := httptest.NewRequest(http.MethodPost, "/subscribers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "cust-tok1")
	assert.Contains(t, repo.store, "cust-tok1")
	assert.Equal(t, []string{"cust-tok1"}, notifier.notified)

	require.Len(t, usageRepo.created, 1, "registration writes the initial grant record")
	grant := usageRepo.created[0]
	assert.Equal(t, "cust-tok1", grant.CustomerIdentifier)
	assert.Equal(t, usage.MeteringPendingYes, grant.MeteringPending)
	assert.Equal(t, usage.StatusPending, grant.Status)
	assert.NoError(t, grant.Validate())
}

func TestRegisterSubscriber_GrantWriteFailure(t *testing.T) {
	repo := newFakeSubscriberRepo()
	usageRepo := &fakeUsageRepo{createErr: errors.New("insert failed")}
	router := newTestRouter(repo, usageRepo, &fakeResolver{}, &fakeNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/subscribers", strings.NewReader(`{"registration_token":"tok3"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRegisterSubscriber_MissingToken(t *testing.T) {
	router := newTestRouter(newFakeSubscriberRepo(), &fakeUsageRepo{}, &fakeResolver{}, &fakeNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/subscribers", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterSubscriber_ResolveFailure(t *testing.T) {
	router := newTestRouter(newFakeSubscriberRepo(), &fakeUsageRepo{}, &fakeResolver{err: errors.New("invalid token")}, &fakeNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/subscribers", strings.NewReader(`{"registration_token":"bad"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRegisterSubscriber_NotificationFailureStillRegisters(t *testing.T) {
	repo := newFakeSubscriberRepo()
	notifier := &fakeNotifier{err: errors.New("sns down")}
	router := newTestRouter(repo, &fakeUsageRepo{}, &fakeResolver{}, notifier)

	req := httptest.NewRequest(http.MethodPost, "/subscribers", strings.NewReader(`{"registration_token":"tok2"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code, "greeting is best-effort")
	assert.Contains(t, repo.store, "cust-tok2")
}

func TestGetSubscriber_NotFound(t *testing.T) {
	router := newTestRouter(newFakeSubscriberRepo(), &fakeUsageRepo{}, &fakeResolver{}, &fakeNotifier{})

	req := httptest.NewRequest(http.MethodGet, "/subscribers/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
