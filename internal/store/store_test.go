package store

import (
	"context"
	"testing"

	"github.com/fetcharr/fetcharr/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.NewTestDB(t)
	return New(db.Conn)
}

func createTestUser(t *testing.T, st *Store, username string) *User {
	t.Helper()
	hash := "not-a-real-hash"
	user, err := st.CreateUser(context.Background(), CreateUserInput{
		Username:     username,
		IsLocal:      true,
		PasswordHash: &hash,
	})
	if err != nil {
		t.Fatalf("CreateUser(%q) error = %v", username, err)
	}
	return user
}

func createTestInstance(t *testing.T, st *Store, name string, serviceType ServiceType) *ServiceInstance {
	t.Helper()
	inst, err := st.CreateInstance(context.Background(), CreateInstanceInput{
		Name:           name,
		ServiceType:    serviceType,
		URL:            "http://localhost:7878",
		APIKey:         "test-key",
		IsEnabled:      true,
		IsDefaultMovie: serviceType == ServiceTypeMovies,
		IsDefaultTV:    serviceType == ServiceTypeSeries,
		QualityTier:    QualityStandard,
	})
	if err != nil {
		t.Fatalf("CreateInstance(%q) error = %v", name, err)
	}
	return inst
}

func createTestRequest(t *testing.T, st *Store, userID int64, in CreateRequestInput) *MediaRequest {
	t.Helper()
	in.UserID = userID
	if in.Title == "" {
		in.Title = "Test Title"
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	if in.RequestedQualityTier == "" {
		in.RequestedQualityTier = QualityStandard
	}
	req, err := st.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRequest error = %v", err)
	}
	return req
}

func ptrToInt(n int) *int       { return &n }
func ptrToInt64(n int64) *int64 { return &n }
