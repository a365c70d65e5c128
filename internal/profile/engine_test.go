package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// --- モック ---

type mockProfileStore struct {
	findByIDFn func(ctx context.Context, id string) (*model.Profile, error)
	createFn   func(ctx context.Context, p *model.Profile) error

	findCalls   int
	createCalls int
	created     *model.Profile
}

func (m *mockProfileStore) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	m.findCalls++
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProfileStore) Create(ctx context.Context, p *model.Profile) error {
	m.createCalls++
	m.created = p
	if m.createFn != nil {
		return m.createFn(ctx, p)
	}
	return nil
}

type mockRatingSource struct {
	listFn func(ctx context.Context, revieweeID string) ([]model.Rating, error)
}

func (m *mockRatingSource) ListRatingsByReviewee(ctx context.Context, revieweeID string) ([]model.Rating, error) {
	if m.listFn != nil {
		return m.listFn(ctx, revieweeID)
	}
	return nil, nil
}

type mockRecorder struct {
	outcomes   []string
	retries    int
	repairs    []bool
	repFailure int
}

func (m *mockRecorder) RecordResolution(outcome string, _ time.Duration) {
	m.outcomes = append(m.outcomes, outcome)
}
func (m *mockRecorder) RecordProfileRetry()         { m.retries++ }
func (m *mockRecorder) RecordProfileRepair(ok bool) { m.repairs = append(m.repairs, ok) }
func (m *mockRecorder) RecordReputationFailure()    { m.repFailure++ }

// newTestEngine は待機を記録するだけのsleepを持つEngineを生成する。
func newTestEngine(store ProfileStore, ratings RatingSource, rec Recorder) (*Engine, *[]time.Duration) {
	e := NewEngine(store, ratings, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), DefaultConfig())
	sleeps := []time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e, &sleeps
}

func strPtr(s string) *string { return &s }

func testSession() *model.IdentitySession {
	return &model.IdentitySession{
		AccessToken: "access",
		UserID:      "11111111-1111-1111-1111-111111111111",
		Email:       "renter@gmail.com",
		Metadata: model.Metadata{
			model.MetadataFullName: "A Renter",
		},
	}
}

// --- テスト ---

// TestResolve_ExistingProfile は既存プロフィールとレビュー集計からAppUserを組み立てることを検証する。
func TestResolve_ExistingProfile(t *testing.T) {
	joined := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store := &mockProfileStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return &model.Profile{
				ID:        id,
				Email:     "owner@gmail.com",
				FullName:  strPtr("Lana Landlord"),
				AvatarURL: strPtr("https://cdn.example.org/a.png"),
				UserType:  model.RoleLandlord,
				CreatedAt: joined,
			}, nil
		},
	}
	ratings := &mockRatingSource{
		listFn: func(ctx context.Context, revieweeID string) ([]model.Rating, error) {
			return []model.Rating{{Rating: 5}, {Rating: 4}, {Rating: 5}}, nil
		},
	}
	rec := &mockRecorder{}
	e, sleeps := newTestEngine(store, ratings, rec)

	user, err := e.Resolve(context.Background(), testSession())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if user.Name != "Lana Landlord" {
		t.Errorf("Name = %q, want %q", user.Name, "Lana Landlord")
	}
	if user.Type != model.RoleLandlord {
		t.Errorf("Type = %q, want landlord", user.Type)
	}
	if user.Avatar != "https://cdn.example.org/a.png" {
		t.Errorf("Avatar = %q", user.Avatar)
	}
	if !user.JoinDate.Equal(joined) {
		t.Errorf("JoinDate = %v, want %v", user.JoinDate, joined)
	}
	if user.ReviewsCount != 3 {
		t.Errorf("ReviewsCount = %d, want 3", user.ReviewsCount)
	}
	if user.AverageRating != 4.7 {
		t.Errorf("AverageRating = %v, want 4.7", user.AverageRating)
	}
	if store.findCalls != 1 {
		t.Errorf("FindByID calls = %d, want 1", store.findCalls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", *sleeps)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "ok" {
		t.Errorf("recorded outcomes = %v, want [ok]", rec.outcomes)
	}
}

// TestResolve_ProfileAppearsDuringRetry は伝搬遅延中に作成されたプロフィールを拾うことを検証する。
func TestResolve_ProfileAppearsDuringRetry(t *testing.T) {
	store := &mockProfileStore{}
	store.findByIDFn = func(ctx context.Context, id string) (*model.Profile, error) {
		if store.findCalls < 3 {
			return nil, nil
		}
		return &model.Profile{ID: id, Email: "renter@gmail.com", UserType: model.RoleTenant}, nil
	}
	rec := &mockRecorder{}
	e, sleeps := newTestEngine(store, &mockRatingSource{}, rec)

	user, err := e.Resolve(context.Background(), testSession())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if user.Name != "renter@gmail.com" {
		t.Errorf("Name = %q, want email fallback", user.Name)
	}
	if store.findCalls != 3 {
		t.Errorf("FindByID calls = %d, want 3", store.findCalls)
	}
	if len(*sleeps) != 2 {
		t.Errorf("sleeps = %d, want 2", len(*sleeps))
	}
	if rec.retries != 2 {
		t.Errorf("retries recorded = %d, want 2", rec.retries)
	}
	if store.createCalls != 0 {
		t.Error("Create should not be called when profile appears")
	}
}

// TestResolve_RepairsAfterRetryBudget はリトライ上限後にメタデータから修復することを検証する。
// リトライ回数5は初回を含まない回数で、修復は6回目の検索が見つからなかった後に行う。
func TestResolve_RepairsAfterRetryBudget(t *testing.T) {
	store := &mockProfileStore{}
	store.findByIDFn = func(ctx context.Context, id string) (*model.Profile, error) {
		if store.createCalls == 0 {
			return nil, nil
		}
		return store.created, nil
	}
	findsBeforeRepair := -1
	store.createFn = func(ctx context.Context, p *model.Profile) error {
		findsBeforeRepair = store.findCalls
		return nil
	}
	rec := &mockRecorder{}
	e, sleeps := newTestEngine(store, &mockRatingSource{}, rec)

	user, err := e.Resolve(context.Background(), testSession())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if want := DefaultConfig().RetryBudget + 1; findsBeforeRepair != want {
		t.Errorf("lookups before repair = %d, want %d (initial + retry budget)", findsBeforeRepair, want)
	}
	// 初回 + 5回のリトライ + 修復後の再取得
	if store.findCalls != 7 {
		t.Errorf("FindByID calls = %d, want 7", store.findCalls)
	}
	if len(*sleeps) != 5 {
		t.Errorf("sleeps = %d, want 5", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != 1500*time.Millisecond {
			t.Errorf("backoff = %v, want 1.5s", d)
		}
	}
	if store.createCalls != 1 {
		t.Fatalf("Create calls = %d, want 1", store.createCalls)
	}
	if user.Name != "A Renter" {
		t.Errorf("Name = %q, want %q", user.Name, "A Renter")
	}
	if user.Type != model.RoleTenant {
		t.Errorf("Type = %q, want tenant", user.Type)
	}
	if user.ReviewsCount != 0 || user.AverageRating != 0 {
		t.Errorf("reputation = (%d, %v), want zeros", user.ReviewsCount, user.AverageRating)
	}
	if len(rec.repairs) != 1 || !rec.repairs[0] {
		t.Errorf("repairs recorded = %v, want [true]", rec.repairs)
	}
}

// TestResolve_RepairUsesMetadataUserType はメタデータの種別で修復することを検証する。
func TestResolve_RepairUsesMetadataUserType(t *testing.T) {
	store := &mockProfileStore{}
	store.findByIDFn = func(ctx context.Context, id string) (*model.Profile, error) {
		if store.createCalls == 0 {
			return nil, nil
		}
		return store.created, nil
	}
	e, _ := newTestEngine(store, &mockRatingSource{}, nil)

	session := testSession()
	session.Metadata = model.Metadata{model.MetadataUserType: "property_manager"}

	user, err := e.Resolve(context.Background(), session)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if user.Type != model.RolePropertyManager {
		t.Errorf("Type = %q, want property_manager", user.Type)
	}
	// full_nameがない場合はメールアドレス
	if user.Name != "renter@gmail.com" {
		t.Errorf("Name = %q, want email", user.Name)
	}
}

// TestResolve_ZeroRetryBudget はリトライ0回で即座に修復へ進むことを検証する。
func TestResolve_ZeroRetryBudget(t *testing.T) {
	store := &mockProfileStore{}
	store.findByIDFn = func(ctx context.Context, id string) (*model.Profile, error) {
		if store.createCalls == 0 {
			return nil, nil
		}
		return store.created, nil
	}
	e := NewEngine(store, &mockRatingSource{}, nil, nil, Config{RetryBudget: 0})
	slept := false
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = true
		return nil
	}

	if _, err := e.Resolve(context.Background(), testSession()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if slept {
		t.Error("should not sleep with zero retry budget")
	}
	if store.findCalls != 2 {
		t.Errorf("FindByID calls = %d, want 2", store.findCalls)
	}
}

// TestResolve_ReadErrorIsNotRetried は未作成以外の読み取りエラーをリトライしないことを検証する。
func TestResolve_ReadErrorIsNotRetried(t *testing.T) {
	dbErr := errors.New("connection refused")
	store := &mockProfileStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return nil, dbErr
		},
	}
	rec := &mockRecorder{}
	e, sleeps := newTestEngine(store, &mockRatingSource{}, rec)

	user, err := e.Resolve(context.Background(), testSession())
	if user != nil {
		t.Error("expected nil user")
	}

	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T, want *ResolutionError", err)
	}
	if re.Kind != KindTransientReadFailure {
		t.Errorf("Kind = %q, want %q", re.Kind, KindTransientReadFailure)
	}
	if !errors.Is(err, dbErr) {
		t.Error("error should wrap the read error")
	}
	if store.findCalls != 1 || len(*sleeps) != 0 {
		t.Errorf("findCalls = %d, sleeps = %d, want 1 and 0", store.findCalls, len(*sleeps))
	}
	if rec.outcomes[0] != string(KindTransientReadFailure) {
		t.Errorf("recorded outcome = %q", rec.outcomes[0])
	}
}

// TestResolve_RepairWriteFailure は修復の書き込み失敗がprofile_unavailableになることを検証する。
func TestResolve_RepairWriteFailure(t *testing.T) {
	store := &mockProfileStore{
		createFn: func(ctx context.Context, p *model.Profile) error {
			return errors.New("permission denied")
		},
	}
	rec := &mockRecorder{}
	e, _ := newTestEngine(store, &mockRatingSource{}, rec)

	_, err := e.Resolve(context.Background(), testSession())
	if KindOf(err) != KindProfileUnavailable {
		t.Fatalf("Kind = %q, want %q", KindOf(err), KindProfileUnavailable)
	}
	if len(rec.repairs) != 1 || rec.repairs[0] {
		t.Errorf("repairs recorded = %v, want [false]", rec.repairs)
	}
}

// TestResolve_StillMissingAfterRepair は修復後も見つからない場合にprofile_unavailableになることを検証する。
func TestResolve_StillMissingAfterRepair(t *testing.T) {
	store := &mockProfileStore{}
	e, _ := newTestEngine(store, &mockRatingSource{}, nil)

	_, err := e.Resolve(context.Background(), testSession())
	if KindOf(err) != KindProfileUnavailable {
		t.Fatalf("Kind = %q, want %q", KindOf(err), KindProfileUnavailable)
	}
	if store.findCalls != 7 {
		t.Errorf("FindByID calls = %d, want 7", store.findCalls)
	}
}

// TestResolve_ReputationFailureIsNonFatal はレビュー集計の失敗でも解決が成功することを検証する。
func TestResolve_ReputationFailureIsNonFatal(t *testing.T) {
	store := &mockProfileStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return &model.Profile{ID: id, Email: "renter@gmail.com", UserType: model.RoleTenant}, nil
		},
	}
	ratings := &mockRatingSource{
		listFn: func(ctx context.Context, revieweeID string) ([]model.Rating, error) {
			return nil, errors.New("reviews table unavailable")
		},
	}
	rec := &mockRecorder{}
	e, _ := newTestEngine(store, ratings, rec)

	user, err := e.Resolve(context.Background(), testSession())
	if err != nil {
		t.Fatalf("Resolve() error = %v, want nil", err)
	}
	if user.ReviewsCount != 0 || user.AverageRating != 0 {
		t.Errorf("reputation = (%d, %v), want zeros", user.ReviewsCount, user.AverageRating)
	}
	if rec.repFailure != 1 {
		t.Errorf("reputation failures recorded = %d, want 1", rec.repFailure)
	}
}

// TestResolve_ContextCanceledDuringBackoff は待機中のキャンセルで打ち切ることを検証する。
func TestResolve_ContextCanceledDuringBackoff(t *testing.T) {
	store := &mockProfileStore{}
	e, _ := newTestEngine(store, &mockRatingSource{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := e.Resolve(ctx, testSession())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if store.findCalls != 1 {
		t.Errorf("FindByID calls = %d, want 1", store.findCalls)
	}
	if store.createCalls != 0 {
		t.Error("Create should not be called after cancellation")
	}
}

// TestResolve_NilSession は主体IDのないセッションを拒否することを検証する。
func TestResolve_NilSession(t *testing.T) {
	store := &mockProfileStore{}
	e, _ := newTestEngine(store, &mockRatingSource{}, nil)

	if _, err := e.Resolve(context.Background(), nil); KindOf(err) != KindProfileUnavailable {
		t.Errorf("Kind = %q, want %q", KindOf(err), KindProfileUnavailable)
	}
	if store.findCalls != 0 {
		t.Error("store should not be touched")
	}
}

// TestSleepContext_HonoursCancellation は既定の待機がキャンセルで即座に戻ることを検証する。
func TestSleepContext_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleepContext did not return promptly")
	}
}

func TestComputeReputation(t *testing.T) {
	tests := []struct {
		name      string
		ratings   []int
		wantAvg   float64
		wantCount int
	}{
		{"empty", nil, 0, 0},
		{"single", []int{3}, 3, 1},
		{"rounds to one decimal", []int{5, 4, 5}, 4.7, 3},
		{"rounds down", []int{1, 1, 2}, 1.3, 3},
		{"exact", []int{4, 5}, 4.5, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ratings := make([]model.Rating, 0, len(tt.ratings))
			for _, r := range tt.ratings {
				ratings = append(ratings, model.Rating{Rating: r})
			}
			got := ComputeReputation(ratings)
			if got.AverageRating != tt.wantAvg {
				t.Errorf("AverageRating = %v, want %v", got.AverageRating, tt.wantAvg)
			}
			if got.ReviewCount != tt.wantCount {
				t.Errorf("ReviewCount = %d, want %d", got.ReviewCount, tt.wantCount)
			}
		})
	}
}
