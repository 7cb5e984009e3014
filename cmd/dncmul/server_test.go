// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	sess, err := openSession(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return newRouter(&server{sess: sess, maxSize: 64, logger: slog.Default()}, "dncmul-test")
}

func postMultiply(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/multiply", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestServer_Multiply(t *testing.T) {
	router := newTestRouter(t)
	w := postMultiply(t, router, `{"size": 32, "n_splits": 2, "seed": 5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp multiplyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Verified)
	assert.Contains(t, resp.Geometry, "matrix=32 splits=2")
}

func TestServer_MultiplyRejects(t *testing.T) {
	router := newTestRouter(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"size":`},
		{"missing size", `{"n_splits": 1}`},
		{"too large", `{"size": 128, "n_splits": 1}`},
		{"indivisible", `{"size": 10, "n_splits": 2}`},
		{"bad input", `{"size": 8, "n_splits": 1, "input": "ones"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postMultiply(t, router, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}
