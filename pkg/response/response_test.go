package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.collab/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func run(handler gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	handler(c)

	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestSuccess(t *testing.T) {
	rec, resp := run(func(c *gin.Context) { Success(c, map[string]int{"n": 1}) })

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apperrors.CodeSuccess, resp.Code)
	require.NotNil(t, resp.Data)
}

func TestErrorFromAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"auth", apperrors.ErrTokenExpired, http.StatusUnauthorized, apperrors.CodeTokenExpired},
		{"collab", apperrors.ErrProjectMissing, http.StatusBadRequest, apperrors.CodeProjectMissing},
		{"store", apperrors.ErrStoreError.Wrap(errors.New("down")), http.StatusInternalServerError, apperrors.CodeStoreError},
		{"plain", errors.New("boom"), http.StatusInternalServerError, apperrors.CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := run(func(c *gin.Context) { ErrorFromAppError(c, tt.err) })
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestUnauthorized_DefaultsToMissingToken(t *testing.T) {
	rec, resp := run(func(c *gin.Context) { Unauthorized(c, nil) })

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.CodeTokenMissing, resp.Code)
}
