package permissions

import (
	"context"
	"strconv"
	"testing"

	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

type staticSettings struct {
	limit int
}

func (s staticSettings) DefaultRequestLimit(context.Context) (int, error) {
	return s.limit, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db := testutil.NewTestDB(t)
	st := store.New(db.Conn)
	return NewEngine(st, staticSettings{limit: 20}, testutil.NewTestLogger(t)), st
}

func createUser(t *testing.T, st *store.Store, username string, admin bool) *store.User {
	t.Helper()
	hash := "x"
	user, err := st.CreateUser(context.Background(), store.CreateUserInput{
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

func TestResolutionOrder(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	admin := createUser(t, st, "admin", true)
	user := createUser(t, st, "alice", false)

	// Admins pass any flag.
	ok, err := engine.HasPermission(ctx, admin.ID, PermAdminManageUsers)
	if err != nil || !ok {
		t.Fatalf("admin HasPermission = %v, %v; want true", ok, err)
	}

	// Default role grants REQUEST_MOVIES but not auto-approve.
	if ok, _ := engine.CanRequestMediaType(ctx, user.ID, store.MediaTypeMovie); !ok {
		t.Fatal("default role should allow movie requests")
	}
	if ok, _ := engine.ShouldAutoApprove(ctx, user.ID, store.MediaTypeMovie); ok {
		t.Fatal("default role should not auto-approve")
	}

	// Dedicated column beats both the custom map and the role.
	no := false
	yes := true
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		CanRequestMovies:  &no,
		CustomPermissions: map[string]bool{PermRequestMovies: true},
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if ok, _ := engine.CanRequestMediaType(ctx, user.ID, store.MediaTypeMovie); ok {
		t.Fatal("dedicated column deny should win over custom grant")
	}

	// Custom map beats the role when no dedicated column applies.
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		CanRequestTV:      &yes,
		CustomPermissions: map[string]bool{PermRequestTV: false},
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if ok, _ := engine.CanRequestMediaType(ctx, user.ID, store.MediaTypeTV); !ok {
		t.Fatal("dedicated column grant should win over custom deny")
	}
	if ok, _ := engine.HasPermission(ctx, user.ID, PermAdminApproveRequests); ok {
		t.Fatal("plain user should not hold admin flags")
	}
}

func TestRequestLimitSources(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	user := createUser(t, st, "alice", false)

	// Seeded default role carries REQUEST_LIMIT_10.
	limit, err := engine.RequestLimit(ctx, user.ID)
	if err != nil {
		t.Fatalf("RequestLimit error = %v", err)
	}
	if limit != 10 {
		t.Fatalf("limit = %d, want 10 from role flag", limit)
	}

	// Per-user override wins over the role flag.
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		MaxRequests: func() *int { n := 3; return &n }(),
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if limit, _ = engine.RequestLimit(ctx, user.ID); limit != 3 {
		t.Fatalf("limit = %d, want 3 from overlay", limit)
	}
}

func TestCanMakeRequestQuota(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	user := createUser(t, st, "alice", false)

	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		MaxRequests: func() *int { n := 2; return &n }(),
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}

	if ok, _, _ := engine.CanMakeRequest(ctx, user.ID); !ok {
		t.Fatal("zero pending requests should be under quota")
	}
	st.IncrementRequestCount(ctx, user.ID)
	if ok, _, _ := engine.CanMakeRequest(ctx, user.ID); !ok {
		t.Fatal("one of two should still be under quota")
	}
	st.IncrementRequestCount(ctx, user.ID)
	ok, reason, err := engine.CanMakeRequest(ctx, user.ID)
	if err != nil {
		t.Fatalf("CanMakeRequest error = %v", err)
	}
	if ok {
		t.Fatal("quota should be exhausted at the limit")
	}
	if reason != "Request limit reached (2/2)" {
		t.Fatalf("reason = %q", reason)
	}

	// REQUEST_UNLIMITED bypasses the counter entirely.
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		CustomPermissions: map[string]bool{PermRequestUnlimited: true},
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if ok, _, _ := engine.CanMakeRequest(ctx, user.ID); !ok {
		t.Fatal("unlimited flag should bypass quota")
	}
}

func TestInstanceAccess(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	user := createUser(t, st, "alice", false)

	category := "anime"
	defaultInst, err := st.CreateInstance(ctx, store.CreateInstanceInput{
		Name:           "radarr-main",
		ServiceType:    store.ServiceTypeMovies,
		URL:            "http://localhost:7878",
		APIKey:         "k",
		IsEnabled:      true,
		IsDefaultMovie: true,
		QualityTier:    store.QualityStandard,
	})
	if err != nil {
		t.Fatalf("CreateInstance error = %v", err)
	}
	animeInst, err := st.CreateInstance(ctx, store.CreateInstanceInput{
		Name:             "radarr-anime",
		ServiceType:      store.ServiceTypeMovies,
		URL:              "http://localhost:7879",
		APIKey:           "k",
		IsEnabled:        true,
		InstanceCategory: &category,
		QualityTier:      store.QualityStandard,
	})
	if err != nil {
		t.Fatalf("CreateInstance error = %v", err)
	}

	// No grants at all: the type default is reachable, the other is not.
	if ok, _ := engine.CanAccessInstance(ctx, user.ID, defaultInst, store.MediaTypeMovie); !ok {
		t.Fatal("default instance should be reachable without grants")
	}
	if ok, _ := engine.CanAccessInstance(ctx, user.ID, animeInst, store.MediaTypeMovie); ok {
		t.Fatal("non-default instance should not be reachable without grants")
	}

	// A category grant opens the categorized instance and closes everything
	// else not granted.
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		InstancePermissions: map[string]bool{"category_anime": true},
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if ok, _ := engine.CanAccessInstance(ctx, user.ID, animeInst, store.MediaTypeMovie); !ok {
		t.Fatal("category grant should open the anime instance")
	}
	if ok, _ := engine.CanAccessInstance(ctx, user.ID, defaultInst, store.MediaTypeMovie); ok {
		t.Fatal("explicit grants exclude ungranted instances")
	}

	// An explicit instance deny beats the category grant.
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{
		InstancePermissions: map[string]bool{
			"category_anime": true,
			"instance_" + itoa(animeInst.ID): false,
		},
	}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if ok, _ := engine.CanAccessInstance(ctx, user.ID, animeInst, store.MediaTypeMovie); ok {
		t.Fatal("instance deny should beat category grant")
	}

	filtered, err := engine.FilterAccessibleInstances(ctx, user.ID,
		[]*store.ServiceInstance{defaultInst, animeInst}, store.MediaTypeMovie)
	if err != nil {
		t.Fatalf("FilterAccessibleInstances error = %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("filtered = %d instances, want 0", len(filtered))
	}
}

func TestSoleEnabledInstanceFallback(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	user := createUser(t, st, "alice", false)

	// One enabled sonarr that is not flagged default is still reachable.
	inst, err := st.CreateInstance(ctx, store.CreateInstanceInput{
		Name:        "sonarr-only",
		ServiceType: store.ServiceTypeSeries,
		URL:         "http://localhost:8989",
		APIKey:      "k",
		IsEnabled:   true,
		QualityTier: store.QualityStandard,
	})
	if err != nil {
		t.Fatalf("CreateInstance error = %v", err)
	}
	if ok, _ := engine.CanAccessInstance(ctx, user.ID, inst, store.MediaTypeTV); !ok {
		t.Fatal("sole enabled instance should be reachable")
	}
}

func TestSyncRequestCounts(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	user := createUser(t, st, "alice", false)

	for i := int64(1); i <= 3; i++ {
		if _, err := st.CreateRequest(ctx, store.CreateRequestInput{
			UserID:               user.ID,
			TmdbID:               i,
			MediaType:            store.MediaTypeMovie,
			Title:                "T",
			Status:               store.StatusPending,
			RequestedQualityTier: store.QualityStandard,
		}); err != nil {
			t.Fatalf("CreateRequest error = %v", err)
		}
	}
	// Drifted counter.
	if _, err := st.UpsertUserPermissions(ctx, user.ID, store.UpsertUserPermissionsInput{}); err != nil {
		t.Fatalf("UpsertUserPermissions error = %v", err)
	}
	if err := st.SetRequestCount(ctx, user.ID, 99); err != nil {
		t.Fatalf("SetRequestCount error = %v", err)
	}

	if err := engine.SyncRequestCounts(ctx); err != nil {
		t.Fatalf("SyncRequestCounts error = %v", err)
	}
	perms, err := st.GetUserPermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserPermissions error = %v", err)
	}
	if perms.CurrentRequestCount != 3 {
		t.Fatalf("CurrentRequestCount = %d, want 3", perms.CurrentRequestCount)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
