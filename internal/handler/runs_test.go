package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/haatos/vc4-buildbot/internal/testutil"
	"github.com/haatos/vc4-buildbot/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func generateRun(id string) store.Run {
	return store.Run{
		RunID:           id,
		Prefix:          "20261014-0300-vc4",
		Status:          store.StatusPassed,
		LogPath:         util.AsPtr("/tmp/20261014-0300-vc4-success.log.bz2"),
		Uploaded:        true,
		RestoreVerified: true,
		CreatedOn:       time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC),
	}
}

func TestRunHandler_GetRuns(t *testing.T) {
	t.Run("success - runs listed with default limit", func(t *testing.T) {
		// arrange
		expected := []store.Run{generateRun("run-2"), generateRun("run-1")}
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("ListRuns", mock.Anything, defaultRunsLimit).Return(expected, nil)
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		var runs []store.Run
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
		assert.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].RunID)
		mockRunService.AssertExpectations(t)
	})

	t.Run("success - limit is capped", func(t *testing.T) {
		// arrange
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("ListRuns", mock.Anything, maxRunsLimit).Return(nil, nil)
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=5000", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
		mockRunService.AssertExpectations(t)
	})

	t.Run("failure - invalid limit", func(t *testing.T) {
		// arrange
		mockRunService := new(testutil.MockRunService)
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=many", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"message":"invalid limit"}`, rec.Body.String())
		mockRunService.AssertNotCalled(t, "ListRuns", mock.Anything, mock.Anything)
	})

	t.Run("failure - store error", func(t *testing.T) {
		// arrange
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("ListRuns", mock.Anything, defaultRunsLimit).Return(nil, errors.New("database is locked"))
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "database is locked")
	})
}

func TestRunHandler_GetRun(t *testing.T) {
	t.Run("success - run found", func(t *testing.T) {
		// arrange
		expected := generateRun("run-1")
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("GetRun", mock.Anything, "run-1").Return(&expected, nil)
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/api/runs/:run_id")
		c.SetParamNames("run_id")
		c.SetParamValues("run-1")
		h := NewRunHandler(mockRunService)

		// act
		err := h.GetRun(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `"run_id":"run-1"`)
		assert.Contains(t, body, `"status":"passed"`)
		assert.Contains(t, body, `"restore_verified":true`)
	})

	t.Run("failure - run not found", func(t *testing.T) {
		// arrange
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("GetRun", mock.Anything, "missing").Return(nil, sql.ErrNoRows)
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"message":"run not found"}`, rec.Body.String())
	})
}

func TestRunHandler_GetRunComponents(t *testing.T) {
	t.Run("success - components listed", func(t *testing.T) {
		// arrange
		components := []store.RunComponent{
			{RunID: "run-1", Seq: 0, Name: "libdrm", CommitHash: "aaa", Branch: "master", URL: "git://anongit.freedesktop.org/mesa/drm"},
			{RunID: "run-1", Seq: 1, Name: "mesa", CommitHash: "bbb", Branch: "11.2", URL: "git://anongit.freedesktop.org/mesa/mesa"},
		}
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("ListRunComponents", mock.Anything, "run-1").Return(components, nil)
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs/run-1/components", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[
			{"seq":0,"name":"libdrm","commit":"aaa","branch":"master","url":"git://anongit.freedesktop.org/mesa/drm"},
			{"seq":1,"name":"mesa","commit":"bbb","branch":"11.2","url":"git://anongit.freedesktop.org/mesa/mesa"}
		]`, rec.Body.String())
	})

	t.Run("failure - unknown run", func(t *testing.T) {
		// arrange
		mockRunService := new(testutil.MockRunService)
		mockRunService.On("ListRunComponents", mock.Anything, "missing").Return(nil, sql.ErrNoRows)
		e := NewServer(mockRunService)
		req := httptest.NewRequest(http.MethodGet, "/api/runs/missing/components", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRunHandler_GetHealth(t *testing.T) {
	t.Run("success - healthy", func(t *testing.T) {
		// arrange
		e := NewServer(new(testutil.MockRunService))
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})
}

func TestServer_Serve(t *testing.T) {
	t.Run("success - shuts down when context is done", func(t *testing.T) {
		// arrange
		e := NewServer(new(testutil.MockRunService))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		// act
		go func() { done <- Serve(ctx, e, "127.0.0.1:0") }()
		time.Sleep(100 * time.Millisecond)
		cancel()

		// assert
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	})
}
