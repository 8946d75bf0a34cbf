package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librastock/internal/catalog"
	"librastock/internal/circulation"
	"librastock/internal/domain"
	"librastock/internal/lending"
	"librastock/internal/lock"
	"librastock/internal/membership"
	"librastock/internal/store/memstore"
)

func newTestServer(t *testing.T, admin AdminToken) *httptest.Server {
	s := memstore.New()
	locks := lock.NewManager(time.Second)
	clock := domain.NewFixedClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	srv := httptest.NewServer(NewRouter(Deps{
		Circulation: circulation.NewService(circulation.Deps{Store: s, Locks: locks, Clock: clock}, lending.DefaultPolicy()),
		Catalog:     catalog.NewService(s),
		Membership:  membership.NewService(s, locks),
		Clock:       clock,
		Admin:       admin,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTokenRoundTrip(t *testing.T) {
	hash, salt, err := HashToken("s3cret")
	require.NoError(t, err)

	ok, err := VerifyToken("s3cret", hash, salt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyToken("guess", hash, salt)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyToken("s3cret", "%%%", salt)
	assert.Error(t, err)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	hash, salt, err := HashToken("s3cret")
	require.NoError(t, err)
	srv := newTestServer(t, AdminToken{Hash: hash, Salt: salt})

	assert.Equal(t, http.StatusUnauthorized, call(t, http.MethodGet, srv.URL+"/api/v1/admin/drift", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, http.MethodGet, srv.URL+"/api/v1/admin/drift", "guess", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/api/v1/admin/drift", "s3cret", nil, nil))

	disabled := newTestServer(t, AdminToken{})
	assert.Equal(t, http.StatusForbidden, call(t, http.MethodPost, disabled.URL+"/api/v1/admin/repair", "s3cret", nil, nil))
}

func TestLendingFlow(t *testing.T) {
	srv := newTestServer(t, AdminToken{})
	api := srv.URL + "/api/v1"

	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/healthz", "", nil, nil))

	var student domain.Student
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, api+"/students", "", map[string]any{"name": "Ada"}, &student))

	var shelf domain.Shelf
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, api+"/shelves", "",
		domain.NewShelf{LocationCode: "B12", Section: "Science", Topic: "Math", TotalCapacity: 2}, &shelf))

	var book domain.Book
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, api+"/books", "",
		domain.NewBook{Title: "Elements", Author: "Euclid", Type: domain.BookPhysical, ShelfID: &shelf.ID}, &book))

	var loan domain.Loan
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, api+"/loans", "",
		circulation.CreateLoanRequest{BookID: book.ID, StudentID: student.ID}, &loan))

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, api+"/books/"+book.ID.String(), "", nil, &book))
	assert.Equal(t, domain.BookLoaned, book.Status)

	var summary membership.LoanSummary
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, api+"/students/"+student.ID.String()+"/loans/summary", "", nil, &summary))
	assert.Equal(t, 1, summary.CurrentLoans)

	var rows []catalog.ShelfUtilization
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, api+"/shelves/utilization", "", nil, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, catalog.StatusAvailable, rows[0].Status)

	var history []domain.Event
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, api+"/books/"+book.ID.String()+"/history", "", nil, &history))
	assert.Len(t, history, 1)
}
