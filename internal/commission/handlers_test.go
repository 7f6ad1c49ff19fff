package commission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc, _, _ := newTestService()
	r := gin.New()
	NewHandler(svc).RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, svc
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateGetAndDeactivate(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/admin/commission/rules", sellerRequest("promo", "store-1", jan1, nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Rule Rule `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "store-1", created.Rule.StoreID)

	w = doJSON(router, "GET", "/v1/admin/commission/rules/"+created.Rule.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "DELETE", "/v1/admin/commission/rules/"+created.Rule.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":false`)

	w = doJSON(router, "GET", "/v1/admin/commission/rules/cmr_nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ConflictReturns409(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/admin/commission/rules", sellerRequest("first", "store-1", jan1, nil))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, "POST", "/v1/admin/commission/rules", sellerRequest("second", "store-1", jan1.AddDate(0, 1, 0), nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "rule_conflict")
	assert.Contains(t, w.Body.String(), "first")

	w = doJSON(router, "POST", "/v1/admin/commission/rules/validate", sellerRequest("second", "store-1", jan1.AddDate(0, 1, 0), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)
}

func TestHandler_ValidationError(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/admin/commission/rules", RuleRequest{
		Name: "bad", Applicability: ApplicabilityCategory, Percentage: "5", EffectiveStart: jan1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_ResolveAndPreview(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/admin/commission/rules", RuleRequest{
		Name: "global", Applicability: ApplicabilityGlobal, Percentage: "10", EffectiveStart: jan1,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, "GET", "/v1/admin/commission/resolve?storeId=s1&at=2025-02-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"matched":true`)

	w = doJSON(router, "GET", "/v1/admin/commission/resolve?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "POST", "/v1/admin/commission/preview", map[string]any{
		"gross": "25.00", "storeId": "s1", "at": "2025-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Result struct {
			Commission string `json:"commission"`
			Source     Source `json:"source"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "2.5", body.Result.Commission)
	assert.Equal(t, SourceRule, body.Result.Source)
}
