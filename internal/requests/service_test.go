package requests

import (
	"context"
	"testing"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/permissions"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

type fakeDispatcher struct {
	integrated []int64
	batches    int
}

func (d *fakeDispatcher) Integrate(_ context.Context, request *store.MediaRequest) error {
	d.integrated = append(d.integrated, request.ID)
	return nil
}

func (d *fakeDispatcher) IntegrateBatch(_ context.Context, requests []*store.MediaRequest) error {
	d.batches++
	for _, r := range requests {
		d.integrated = append(d.integrated, r.ID)
	}
	return nil
}

type fakeBroadcaster struct {
	events []string
}

func (b *fakeBroadcaster) BroadcastRequestUpdate(_ *store.MediaRequest, event string) {
	b.events = append(b.events, event)
}

type fixedLimit int

func (f fixedLimit) DefaultRequestLimit(context.Context) (int, error) { return int(f), nil }

type fixture struct {
	svc         *Service
	store       *store.Store
	perm        *permissions.Engine
	dispatcher  *fakeDispatcher
	broadcaster *fakeBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	st := store.New(db.Conn)
	logger := testutil.NewTestLogger(t)

	perm := permissions.NewEngine(st, fixedLimit(20), logger)
	registry := instances.NewRegistry(st, logger)
	selector := instances.NewSelector(registry, perm, logger)

	svc := NewService(st, perm, selector, logger)
	d := &fakeDispatcher{}
	b := &fakeBroadcaster{}
	svc.SetDispatcher(d)
	svc.SetBroadcaster(b)

	ctx := context.Background()
	for _, in := range []store.CreateInstanceInput{
		{Name: "radarr", ServiceType: store.ServiceTypeMovies, URL: "http://localhost:7878",
			APIKey: "k", IsEnabled: true, IsDefaultMovie: true, QualityTier: store.QualityStandard},
		{Name: "sonarr", ServiceType: store.ServiceTypeSeries, URL: "http://localhost:8989",
			APIKey: "k", IsEnabled: true, IsDefaultTV: true, QualityTier: store.QualityStandard},
	} {
		if _, err := st.CreateInstance(ctx, in); err != nil {
			t.Fatalf("CreateInstance error = %v", err)
		}
	}
	return &fixture{svc: svc, store: st, perm: perm, dispatcher: d, broadcaster: b}
}

func (f *fixture) user(t *testing.T, username string, admin bool) *store.User {
	t.Helper()
	hash := "x"
	user, err := f.store.CreateUser(context.Background(), store.CreateUserInput{
		Username:     username,
		IsAdmin:      admin,
		IsLocal:      true,
		PasswordHash: &hash,
	})
	if err != nil {
		t.Fatalf("CreateUser error = %v", err)
	}
	return user
}

func (f *fixture) grant(t *testing.T, userID int64, flags map[string]bool) {
	t.Helper()
	if _, err := f.store.UpsertUserPermissions(context.Background(), userID, store.UpsertUserPermissionsInput{
		CustomPermissions: flags,
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
}

func TestCreatePendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)

	req, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID:    603,
		MediaType: store.MediaTypeMovie,
		Title:     "The Matrix",
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if req.Status != store.StatusPending {
		t.Fatalf("Status = %s, want pending", req.Status)
	}
	if req.ServiceInstanceID == nil {
		t.Fatal("default instance should be resolved at create time")
	}
	if len(f.dispatcher.integrated) != 0 {
		t.Fatal("pending requests must not dispatch")
	}
	if len(f.broadcaster.events) != 1 || f.broadcaster.events[0] != "created" {
		t.Fatalf("events = %v", f.broadcaster.events)
	}

	current, _, _, err := f.perm.QuotaState(ctx, user.ID)
	if err != nil {
		t.Fatalf("QuotaState error = %v", err)
	}
	if current != 1 {
		t.Fatalf("pending count = %d, want 1", current)
	}
}

func TestCreateAutoApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	f.grant(t, user.ID, map[string]bool{permissions.PermRequestAutoApproveMovie: true})

	req, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID:    603,
		MediaType: store.MediaTypeMovie,
		Title:     "The Matrix",
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if req.Status != store.StatusApproved {
		t.Fatalf("Status = %s, want approved", req.Status)
	}
	if req.ApprovedBy == nil || *req.ApprovedBy != user.ID {
		t.Fatalf("ApprovedBy = %v, want requester", req.ApprovedBy)
	}
	if len(f.dispatcher.integrated) != 1 {
		t.Fatalf("dispatched = %d requests, want 1", len(f.dispatcher.integrated))
	}
	// Auto-approved requests never occupy quota.
	current, _, _, _ := f.perm.QuotaState(ctx, user.ID)
	if current != 0 {
		t.Fatalf("pending count = %d, want 0", current)
	}
}

func TestCreateConflictMatrix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)

	if _, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	}); err != nil {
		t.Fatalf("Create movie error = %v", err)
	}
	_, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	})
	if apperr.KindOf(err) != apperr.KindRequestConflict {
		t.Fatalf("duplicate movie kind = %v, want conflict", apperr.KindOf(err))
	}

	season := 1
	if _, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 1399, MediaType: store.MediaTypeTV, Title: "GoT", SeasonNumber: &season,
	}); err != nil {
		t.Fatalf("Create season error = %v", err)
	}

	// Whole-series create supersedes the partial season row.
	if _, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 1399, MediaType: store.MediaTypeTV, Title: "GoT",
	}); err != nil {
		t.Fatalf("whole-series over season error = %v", err)
	}

	// Anything under the whole-series umbrella now conflicts.
	two := 2
	_, err = f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 1399, MediaType: store.MediaTypeTV, Title: "GoT", SeasonNumber: &two,
	})
	if apperr.KindOf(err) != apperr.KindRequestConflict {
		t.Fatalf("season under whole series kind = %v, want conflict", apperr.KindOf(err))
	}

	// Another user is free to request the same movie.
	bob := f.user(t, "bob", false)
	if _, err := f.svc.Create(ctx, bob.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	}); err != nil {
		t.Fatalf("cross-user create error = %v", err)
	}
}

func TestCreateQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	one := 1
	if _, err := f.store.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		MaxRequests: &one,
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}

	if _, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 1, MediaType: store.MediaTypeMovie, Title: "First",
	}); err != nil {
		t.Fatalf("first create error = %v", err)
	}
	_, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 2, MediaType: store.MediaTypeMovie, Title: "Second",
	})
	if apperr.KindOf(err) != apperr.KindQuotaExceeded {
		t.Fatalf("kind = %v, want quota exceeded", apperr.KindOf(err))
	}
}

func TestCreateMediaTypeForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	no := false
	if _, err := f.store.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		CanRequestMovies: &no,
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}

	_, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 1, MediaType: store.MediaTypeMovie, Title: "Denied",
	})
	if apperr.KindOf(err) != apperr.KindMediaTypeForbidden {
		t.Fatalf("kind = %v, want media type forbidden", apperr.KindOf(err))
	}
}

func TestApproveFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	admin := f.user(t, "admin", true)

	req, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	// A plain user cannot approve.
	if _, err := f.svc.Approve(ctx, req.ID, user.ID, nil); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("kind = %v, want forbidden", apperr.KindOf(err))
	}

	approved, err := f.svc.Approve(ctx, req.ID, admin.ID, nil)
	if err != nil {
		t.Fatalf("Approve error = %v", err)
	}
	if approved.Status != store.StatusApproved {
		t.Fatalf("Status = %s, want approved", approved.Status)
	}
	if len(f.dispatcher.integrated) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(f.dispatcher.integrated))
	}
	current, _, _, _ := f.perm.QuotaState(ctx, user.ID)
	if current != 0 {
		t.Fatalf("pending count after approve = %d, want 0", current)
	}

	// Approving again is idempotent and redispatches.
	if _, err := f.svc.Approve(ctx, req.ID, admin.ID, nil); err != nil {
		t.Fatalf("second Approve error = %v", err)
	}

	// A rejected request cannot be approved.
	other, _ := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 604, MediaType: store.MediaTypeMovie, Title: "Reloaded",
	})
	if _, err := f.svc.Reject(ctx, other.ID, admin.ID); err != nil {
		t.Fatalf("Reject error = %v", err)
	}
	if _, err := f.svc.Approve(ctx, other.ID, admin.ID, nil); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("approve rejected kind = %v, want validation", apperr.KindOf(err))
	}
}

func TestDeleteOwnershipRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", false)
	bob := f.user(t, "bob", false)

	req, err := f.svc.Create(ctx, alice.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	if err := f.svc.Delete(ctx, req.ID, bob.ID); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("stranger delete kind = %v, want forbidden", apperr.KindOf(err))
	}
	if err := f.svc.Delete(ctx, req.ID, alice.ID); err != nil {
		t.Fatalf("owner delete error = %v", err)
	}
	// Deleting a pending request releases its quota slot.
	current, _, _, _ := f.perm.QuotaState(ctx, alice.ID)
	if current != 0 {
		t.Fatalf("pending count after delete = %d, want 0", current)
	}
}

func TestListVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", false)
	bob := f.user(t, "bob", false)
	admin := f.user(t, "admin", true)

	f.svc.Create(ctx, alice.ID, CreateInput{TmdbID: 1, MediaType: store.MediaTypeMovie, Title: "A"})
	f.svc.Create(ctx, bob.ID, CreateInput{TmdbID: 2, MediaType: store.MediaTypeMovie, Title: "B"})

	mine, err := f.svc.List(ctx, alice.ID, ListInput{})
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(mine) != 1 || mine[0].UserID != alice.ID {
		t.Fatalf("alice sees %d rows", len(mine))
	}

	all, err := f.svc.List(ctx, admin.ID, ListInput{})
	if err != nil {
		t.Fatalf("admin List error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin sees %d rows, want 2", len(all))
	}

	// Visibility also guards direct fetches.
	if _, err := f.svc.Get(ctx, mine[0].ID, bob.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("cross-user Get kind = %v, want not found", apperr.KindOf(err))
	}
}

func TestCreateGranular(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	f.grant(t, user.ID, map[string]bool{permissions.PermRequestAutoApproveTV: true})

	created, err := f.svc.CreateGranular(ctx, user.ID, GranularInput{
		TmdbID:   1399,
		Title:    "GoT",
		Seasons:  []int{1, 2},
		Episodes: map[int][]int{4: {1, 2}},
	})
	if err != nil {
		t.Fatalf("CreateGranular error = %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("created = %d rows, want 4", len(created))
	}
	if f.dispatcher.batches != 1 {
		t.Fatalf("batches = %d, want a single coordinated dispatch", f.dispatcher.batches)
	}

	// Re-selecting the same seasons yields nothing but a conflict.
	_, err = f.svc.CreateGranular(ctx, user.ID, GranularInput{
		TmdbID:  1399,
		Title:   "GoT",
		Seasons: []int{1, 2},
	})
	if apperr.KindOf(err) != apperr.KindRequestConflict {
		t.Fatalf("kind = %v, want conflict", apperr.KindOf(err))
	}
}

func TestApproveReleasesQuotaOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	admin := f.user(t, "admin", true)

	req, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if _, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 604, MediaType: store.MediaTypeMovie, Title: "Reloaded",
	}); err != nil {
		t.Fatalf("Create error = %v", err)
	}
	current, _, _, _ := f.perm.QuotaState(ctx, user.ID)
	if current != 2 {
		t.Fatalf("pending count = %d, want 2", current)
	}

	if _, err := f.svc.Approve(ctx, req.ID, admin.ID, nil); err != nil {
		t.Fatalf("Approve error = %v", err)
	}
	current, _, _, _ = f.perm.QuotaState(ctx, user.ID)
	if current != 1 {
		t.Fatalf("pending count after approve = %d, want 1", current)
	}

	// An idempotent re-approve must not release a second quota slot.
	if _, err := f.svc.Approve(ctx, req.ID, admin.ID, nil); err != nil {
		t.Fatalf("second Approve error = %v", err)
	}
	current, _, _, _ = f.perm.QuotaState(ctx, user.ID)
	if current != 1 {
		t.Fatalf("pending count after re-approve = %d, want 1", current)
	}
}

func TestApproveDisabledInstanceNeedsOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", false)
	admin := f.user(t, "admin", true)

	req, err := f.svc.Create(ctx, user.ID, CreateInput{
		TmdbID: 603, MediaType: store.MediaTypeMovie, Title: "The Matrix",
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	// The default radarr goes dark between create and approve.
	movies, err := f.store.ListInstancesByType(ctx, store.ServiceTypeMovies, false)
	if err != nil || len(movies) != 1 {
		t.Fatalf("ListInstancesByType = %d instances, err %v", len(movies), err)
	}
	disabled := false
	if _, err := f.store.UpdateInstance(ctx, movies[0].ID, store.UpdateInstanceInput{IsEnabled: &disabled}); err != nil {
		t.Fatalf("UpdateInstance error = %v", err)
	}

	if _, err := f.svc.Approve(ctx, req.ID, admin.ID, nil); apperr.KindOf(err) != apperr.KindInstanceUnavail {
		t.Fatalf("approve with dark target kind = %v, want instance unavailable", apperr.KindOf(err))
	}
	got, err := f.svc.Get(ctx, req.ID, admin.ID)
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("Status = %s, want still pending", got.Status)
	}
	if len(f.dispatcher.integrated) != 0 {
		t.Fatal("failed approve must not dispatch")
	}
	current, _, _, _ := f.perm.QuotaState(ctx, user.ID)
	if current != 1 {
		t.Fatalf("pending count = %d, want quota slot retained", current)
	}

	// An override to a live instance unblocks the approval.
	repl, err := f.store.CreateInstance(ctx, store.CreateInstanceInput{
		Name: "radarr-backup", ServiceType: store.ServiceTypeMovies, URL: "http://localhost:7879",
		APIKey: "k", IsEnabled: true, QualityTier: store.QualityStandard,
	})
	if err != nil {
		t.Fatalf("CreateInstance error = %v", err)
	}
	approved, err := f.svc.Approve(ctx, req.ID, admin.ID, &repl.ID)
	if err != nil {
		t.Fatalf("Approve with override error = %v", err)
	}
	if approved.Status != store.StatusApproved {
		t.Fatalf("Status = %s, want approved", approved.Status)
	}
	if approved.ServiceInstanceID == nil || *approved.ServiceInstanceID != repl.ID {
		t.Fatalf("ServiceInstanceID = %v, want override %d", approved.ServiceInstanceID, repl.ID)
	}
	if len(f.dispatcher.integrated) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(f.dispatcher.integrated))
	}
}
