package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/testutil"
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// findCookie is a helper function to find a cookie by name in the response
// recorder. It returns the cookie if found, or nil if not found.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestJwtRoundTrip(t *testing.T) {
	app := &GroupChatApp{signingKey: []byte("test-key")}

	t.Run("valid token", func(t *testing.T) {
		token, err := app.createJwtForSession(types.User{Id: 42}, time.Hour)
		require.NoError(t, err)

		userId, err := app.extractUserIdFromToken(token)
		require.NoError(t, err)
		assert.Equal(t, 42, userId)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := &GroupChatApp{signingKey: []byte("other-key")}
		token, err := other.createJwtForSession(types.User{Id: 42}, time.Hour)
		require.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := app.createJwtForSession(types.User{Id: 42}, -time.Hour)
		require.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := app.extractUserIdFromToken("not.a.token")
		assert.Error(t, err)
	})
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := hashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.True(t, verifyPassword(hash, "s3cret"))
	assert.False(t, verifyPassword(hash, "wrong"))
}

func TestAuthMiddleware(t *testing.T) {
	app := &GroupChatApp{
		log:        testutil.TestLogger(t),
		signingKey: []byte("test-key"),
	}

	var gotUserId int
	var called bool
	handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotUserId, _ = UserId(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("no cookie", func(t *testing.T) {
		called = false
		rr := httptest.NewRecorder()
		handler(rr, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.False(t, called)
	})

	t.Run("invalid token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "bogus"})
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.False(t, called)
	})

	t.Run("valid token", func(t *testing.T) {
		called = false
		token, err := app.createJwtForSession(types.User{Id: 7}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: token})
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, called)
		assert.Equal(t, 7, gotUserId)
	})
}

func TestCreateAccountHandler(t *testing.T) {
	expectedUser := database.User{
		Id:           1,
		Username:     "newuser",
		EmailAddress: "newuser@example.com",
		PasswordHash: "hashedpassword",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	tcases := []struct {
		name        string
		body        any
		success     bool
		mockCreate  bool
		mockErr     error
		expectedErr *ApiError
	}{
		{
			name: "successfully creates a new account",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			success:    true,
			mockCreate: true,
		},
		{
			name:        "failed with invalid json body",
			body:        "invalid json",
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing username",
			body: RegisterRequest{
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing email",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Password: "password",
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing password",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with db error",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			mockCreate:  true,
			mockErr:     assert.AnError,
			expectedErr: NewInternalServerError(assert.AnError),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)

			if tc.mockCreate {
				mockUser := expectedUser
				if tc.mockErr != nil {
					mockUser = database.User{}
				}
				db.On("CreateAccount", mock.Anything).Return(mockUser, tc.mockErr).Once()
			}

			app := &GroupChatApp{log: testutil.TestLogger(t), db: db}

			body, err := json.Marshal(tc.body)
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body))
			app.createAccount(rr, req)

			if tc.expectedErr != nil {
				assert.Equal(t, tc.expectedErr.StatusCode, rr.Code)
				return
			}

			assert.Equal(t, http.StatusCreated, rr.Code)
			var u types.User
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
			assert.Equal(t, expectedUser.Id, u.Id)
			assert.Equal(t, expectedUser.Username, u.Username)
			assert.Equal(t, expectedUser.EmailAddress, u.EmailAddress)
		})
	}
}

func TestLoginHandler(t *testing.T) {
	hash, err := hashPassword("password")
	require.NoError(t, err)

	dbUser := database.User{
		Id:           1,
		Username:     "alice",
		EmailAddress: "alice@example.com",
		PasswordHash: hash,
	}

	t.Run("successful login sets jwt cookie", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByEmail", dbUser.EmailAddress).Return(dbUser, nil).Once()

		app := &GroupChatApp{log: testutil.TestLogger(t), db: db, signingKey: []byte("test-key")}

		body, _ := json.Marshal(LoginRequest{Email: dbUser.EmailAddress, Password: "password"})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusOK, rr.Code)

		cookie := findCookie(rr, tokenCookieKey)
		require.NotNil(t, cookie, "expected a token cookie")
		userId, err := app.extractUserIdFromToken(cookie.Value)
		require.NoError(t, err)
		assert.Equal(t, dbUser.Id, userId)
	})

	t.Run("wrong password", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByEmail", dbUser.EmailAddress).Return(dbUser, nil).Once()

		app := &GroupChatApp{log: testutil.TestLogger(t), db: db, signingKey: []byte("test-key")}

		body, _ := json.Marshal(LoginRequest{Email: dbUser.EmailAddress, Password: "wrong"})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Nil(t, findCookie(rr, tokenCookieKey))
	})

	t.Run("unknown email", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByEmail", "nobody@example.com").Return(database.User{}, sql.ErrNoRows).Once()

		app := &GroupChatApp{log: testutil.TestLogger(t), db: db, signingKey: []byte("test-key")}

		body, _ := json.Marshal(LoginRequest{Email: "nobody@example.com", Password: "password"})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		app := &GroupChatApp{log: testutil.TestLogger(t)}

		body, _ := json.Marshal(LoginRequest{Email: dbUser.EmailAddress})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLogoutHandler(t *testing.T) {
	app := &GroupChatApp{log: testutil.TestLogger(t)}

	rr := httptest.NewRecorder()
	app.logout(rr, httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	cookie := findCookie(rr, tokenCookieKey)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value, "expected cookie to be cleared")
}
