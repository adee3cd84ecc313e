package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/application/dto"
	apphttp "github.com/jhoicas/fiscal-sri/internal/interfaces/http"
	pkgjwt "github.com/jhoicas/fiscal-sri/pkg/jwt"
)

const (
	testJWTSecret  = "test-secret-key-for-unit-tests"
	testOperatorID = "op-0001"
)

func bearer(t *testing.T, secret, role string) string {
	t.Helper()
	tok, err := pkgjwt.Generate(secret, testOperatorID, role, "fiscal-sri-test", 60)
	require.NoError(t, err)
	return "Bearer " + tok
}

// guardedApp expone /requeue protegido como en el router real.
func guardedApp() *fiber.App {
	app := fiber.New()
	app.Post("/requeue",
		apphttp.AuthMiddleware(testJWTSecret),
		apphttp.RequireRole(pkgjwt.RoleAdmin, pkgjwt.RoleOperator),
		func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"operator_id": apphttp.GetOperatorID(c), "role": apphttp.GetRole(c)})
		},
	)
	return app
}

func TestAuthYRoles(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"admin", bearer(t, testJWTSecret, pkgjwt.RoleAdmin), http.StatusOK, ""},
		{"operador", bearer(t, testJWTSecret, pkgjwt.RoleOperator), http.StatusOK, ""},
		{"auditor solo lectura", bearer(t, testJWTSecret, pkgjwt.RoleAuditor), http.StatusForbidden, "FORBIDDEN"},
		{"token sin rol", bearer(t, testJWTSecret, ""), http.StatusUnauthorized, "MISSING_ROLE"},
		{"sin header", "", http.StatusUnauthorized, "MISSING_TOKEN"},
		{"esquema Basic", "Basic abc", http.StatusUnauthorized, "INVALID_TOKEN"},
		{"firma ajena", bearer(t, "otro-secreto", pkgjwt.RoleAdmin), http.StatusUnauthorized, "INVALID_TOKEN"},
		{"basura", "Bearer no.es.jwt", http.StatusUnauthorized, "INVALID_TOKEN"},
	}

	app := guardedApp()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/requeue", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantCode != "" {
				var body dto.ErrorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, tc.wantCode, body.Code)
			}
		})
	}
}

func TestAuthMiddlewareExponeOperador(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/requeue", nil)
	req.Header.Set("Authorization", bearer(t, testJWTSecret, pkgjwt.RoleOperator))
	resp, err := guardedApp().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, testOperatorID, body["operator_id"])
	assert.Equal(t, pkgjwt.RoleOperator, body["role"])
}
