package authpw

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"parlor/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users  map[string]store.User
	nextID int64
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]store.User)}
}

func (m *mockUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	if _, ok := m.users[user.Email]; ok {
		return store.User{}, store.ErrEmailTaken
	}
	m.nextID++
	user.ID = m.nextID
	m.users[user.Email] = user
	return user, nil
}

func newTestService() (*Service, *mockUserStore) {
	users := newMockUserStore()
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestSignUp(t *testing.T) {
	svc, users := newTestService()

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "  Ada.Lovelace@Example.com ",
		Password: "password123",
	})
	require.NoError(t, err)
	require.NotZero(t, user.ID)
	require.Equal(t, "ada.lovelace@example.com", user.Email)
	require.Equal(t, "ada.lovelace", user.DisplayName, "display name defaults to the local part")
	require.NotEqual(t, "password123", user.PasswordHash)
	require.NotEmpty(t, users.users[user.Email].PasswordHash)
}

func TestSignUpKeepsExplicitDisplayName(t *testing.T) {
	svc, _ := newTestService()
	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "bo@example.com",
		Password:    "password123",
		DisplayName: "Bo",
	})
	require.NoError(t, err)
	require.Equal(t, "Bo", user.DisplayName)
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newTestService()
	cases := []struct {
		name string
		req  SignUpRequest
	}{
		{name: "missing email", req: SignUpRequest{Password: "password123"}},
		{name: "missing password", req: SignUpRequest{Email: "a@example.com"}},
		{name: "short password", req: SignUpRequest{Email: "a@example.com", Password: "short"}},
		{name: "bad email", req: SignUpRequest{Email: "not-an-email", Password: "password123"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SignUp(context.Background(), tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	req := SignUpRequest{Email: "dup@example.com", Password: "password123"}
	_, err := svc.SignUp(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.SignUp(context.Background(), req)
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService()
	created, err := svc.SignUp(context.Background(), SignUpRequest{Email: "cy@example.com", Password: "password123"})
	require.NoError(t, err)

	user, err := svc.SignIn(context.Background(), SignInRequest{Email: "CY@example.com", Password: "password123"})
	require.NoError(t, err)
	require.Equal(t, created.ID, user.ID)

	_, err = svc.SignIn(context.Background(), SignInRequest{Email: "cy@example.com", Password: "wrong-password"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(context.Background(), SignInRequest{Email: "nobody@example.com", Password: "password123"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisplayNameFromEmail(t *testing.T) {
	require.Equal(t, "john.doe", DisplayNameFromEmail("john.doe@example.com"))
}
