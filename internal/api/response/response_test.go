package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSuccessEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, any)
		status int
	}{
		{"json", response.JSON, http.StatusOK},
		{"created", response.Created, http.StatusCreated},
		{"accepted", response.Accepted, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, map[string]string{"job_id": "j1"})

			assert.Equal(t, tt.status, w.Code)
			data := decode(t, w)["data"].(map[string]any)
			assert.Equal(t, "j1", data["job_id"])
		})
	}
}

func TestCursor(t *testing.T) {
	w := httptest.NewRecorder()
	response.Cursor(w, []map[string]any{{"seq": 4}, {"seq": 5}}, response.CursorMeta{Next: 5, HasMore: true})

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)

	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(5), meta["next"])
	assert.Equal(t, true, meta["has_more"])
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	response.NoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job request", map[string][]string{
		"item_count": {"must be at least 1"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	assert.Equal(t, "Invalid job request", errObj["message"])
	assert.NotNil(t, errObj["details"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusGone, "GONE", "Job no longer exists", nil)

	assert.Equal(t, http.StatusGone, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "GONE", errObj["code"])
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}
