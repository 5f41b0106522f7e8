package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c1pan/file-vault/internal/ledger"
	"github.com/c1pan/file-vault/internal/quota"
	"github.com/c1pan/file-vault/internal/session"
	"github.com/c1pan/file-vault/internal/vault"
)

func TestHealthz(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()

	http.HandlerFunc(healthz).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequireToken(t *testing.T) {
	sessions := session.NewManager(10 * time.Minute)
	token := sessions.Issue()

	handler := requireToken(sessions, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name         string
		target       string
		header       string
		expectedCode int
	}{
		{
			name:         "valid token via query",
			target:       "/?token=" + token,
			expectedCode: http.StatusOK,
		},
		{
			name:         "valid token via header",
			target:       "/",
			header:       "Bearer " + token,
			expectedCode: http.StatusOK,
		},
		{
			name:         "unknown token",
			target:       "/?token=bogus",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "missing token",
			target:       "/",
			expectedCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedCode, rr.Code)
		})
	}

	t.Run("valid token via form", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader("token="+token))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{vault.ErrWrongPassword, http.StatusUnauthorized},
		{vault.ErrNotFound, http.StatusNotFound},
		{vault.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{vault.ErrBadExpiry, http.StatusBadRequest},
		{quota.ErrCapacityExceeded, http.StatusRequestEntityTooLarge},
		{quota.ErrDuplicateFilename, http.StatusConflict},
		{ledger.ErrDuplicatePassword, http.StatusConflict},
		{ledger.ErrIllegalFilename, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", vault.ErrWrongPassword), http.StatusUnauthorized},
		{errors.New("something else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, errorStatus(tt.err), "error %v", tt.err)
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, vault.ErrWrongPassword.Error(), errorMessage(vault.ErrWrongPassword, "generic"))
	assert.Equal(t, "generic", errorMessage(errors.New("disk exploded"), "generic"))
}

func TestIntParam(t *testing.T) {
	req := httptest.NewRequest("GET", "/?page=3&bad=x&zero=0", nil)

	assert.Equal(t, 3, intParam(req, "page", 1))
	assert.Equal(t, 1, intParam(req, "bad", 1))
	assert.Equal(t, 1, intParam(req, "zero", 1))
	assert.Equal(t, 10, intParam(req, "missing", 10))
}

func TestLimitBody(t *testing.T) {
	handler := limitBody(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 10)

	t.Run("body within limit", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader("123456789"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("body exceeds limit", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader("12345678901"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}
