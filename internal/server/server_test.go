package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/carbonledger/internal/database"
	"github.com/Aidin1998/carbonledger/internal/outbox"
	"github.com/Aidin1998/carbonledger/internal/registry"
)

const testSecret = "internal-test-secret"

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, zap.NewNop(), append(registry.Models(), outbox.Models()...)...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	svc := registry.NewService(db, zap.NewNop())
	return NewServer(zap.NewNop(), svc, testSecret).Router()
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func mint(t *testing.T, r *gin.Engine, serial, owner, qty string) {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v1/registry/mint",
		gin.H{"serial": serial, "ownerId": owner, "quantity": qty},
		InternalSecretHeader, testSecret)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

type balanceResponse struct {
	UserID       string                     `json:"userId"`
	TotalBalance decimal.Decimal            `json:"totalBalance"`
	Escrow       map[string]decimal.Decimal `json:"escrow"`
}

func getBalance(t *testing.T, r *gin.Engine, user string) balanceResponse {
	t.Helper()
	w := do(t, r, http.MethodGet, "/api/v1/wallets/"+user+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var b balanceResponse
	decode(t, w, &b)
	return b
}

func TestHealthCheck(t *testing.T) {
	r := setupRouter(t)
	w := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	r := setupRouter(t)
	mint(t, r, "CR-M", "alice", "1")
	w := do(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "registry_ledger_operations_total")
}

func TestMintRequiresInternalSecret(t *testing.T) {
	r := setupRouter(t)
	body := gin.H{"serial": "CR-1", "ownerId": "alice", "quantity": "10"}

	w := do(t, r, http.MethodPost, "/api/v1/registry/mint", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = do(t, r, http.MethodPost, "/api/v1/registry/mint", body, InternalSecretHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/registry/mint", body, InternalSecretHeader, testSecret)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/registry/mint", body, InternalSecretHeader, testSecret)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMintThenSellOverHTTP(t *testing.T) {
	r := setupRouter(t)
	mint(t, r, "CR-0001", "alice", "10")
	assert.True(t, getBalance(t, r, "alice").TotalBalance.Equal(decimal.NewFromInt(10)))

	w := do(t, r, http.MethodPost, "/api/v1/wallets/transfer", gin.H{
		"type": "LOCK", "fromUserId": "alice", "orderId": "order-1",
		"creditSerials": []string{"CR-0001"}, "amount": 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	alice := getBalance(t, r, "alice")
	assert.True(t, alice.TotalBalance.IsZero())
	assert.True(t, alice.Escrow["order-1"].Equal(decimal.NewFromInt(10)))

	w = do(t, r, http.MethodPost, "/api/v1/wallets/transfer", gin.H{
		"type": "TRANSFER", "fromUserId": "alice", "toUserId": "bob", "orderId": "order-1",
		"creditSerials": []string{"CR-0001"}, "amount": "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		LedgerEntry struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"ledgerEntry"`
	}
	decode(t, w, &res)
	assert.Equal(t, "TRANSFER", res.LedgerEntry.Type)
	assert.NotEmpty(t, res.LedgerEntry.ID)

	assert.Empty(t, getBalance(t, r, "alice").Escrow)
	assert.True(t, getBalance(t, r, "bob").TotalBalance.Equal(decimal.NewFromInt(10)))

	w = do(t, r, http.MethodGet, "/api/v1/registry/credits/CR-0001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var credit registry.Credit
	decode(t, w, &credit)
	assert.Equal(t, "bob", credit.OwnerID)
	assert.Equal(t, registry.StatusMinted, credit.Status)

	w = do(t, r, http.MethodGet, "/api/v1/wallets/bob/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balanced":true`)
}

func TestTransferValidationErrors(t *testing.T) {
	r := setupRouter(t)
	mint(t, r, "CR-1", "alice", "5")

	cases := []struct {
		name  string
		body  interface{}
		field string
	}{
		{"bad type", gin.H{"type": "SWAP", "fromUserId": "alice", "orderId": "o", "creditSerials": []string{"CR-1"}, "amount": 5}, "type"},
		{"missing serials", gin.H{"type": "LOCK", "fromUserId": "alice", "orderId": "o", "amount": 5}, "creditSerials"},
		{"duplicate serials", gin.H{"type": "LOCK", "fromUserId": "alice", "orderId": "o", "creditSerials": []string{"CR-1", "CR-1"}, "amount": 10}, "creditSerials"},
		{"negative amount", gin.H{"type": "LOCK", "fromUserId": "alice", "orderId": "o", "creditSerials": []string{"CR-1"}, "amount": -5}, "amount"},
		{"transfer without buyer", gin.H{"type": "TRANSFER", "fromUserId": "alice", "orderId": "o", "creditSerials": []string{"CR-1"}, "amount": 5}, "toUserId"},
		{"missing order", gin.H{"type": "LOCK", "fromUserId": "alice", "creditSerials": []string{"CR-1"}, "amount": 5}, "orderId"},
		{"transfer to seller", gin.H{"type": "TRANSFER", "fromUserId": "alice", "toUserId": "alice", "orderId": "o", "creditSerials": []string{"CR-1"}, "amount": 5}, "toUserId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/v1/wallets/transfer", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"field":"`+tc.field+`"`)
		})
	}

	w := do(t, r, http.MethodPost, "/api/v1/wallets/transfer", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/wallets/transfer", gin.H{
		"type": "LOCK", "fromUserId": "alice", "orderId": "o", "creditSerials": []string{"CR-1"}, "amount": 6,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "do not match")

	// toUserId is ignored for LOCK and UNLOCK, even when it echoes the seller.
	for _, typ := range []string{"LOCK", "UNLOCK"} {
		w = do(t, r, http.MethodPost, "/api/v1/wallets/transfer", gin.H{
			"type": typ, "fromUserId": "alice", "toUserId": "alice", "orderId": "o-echo", "creditSerials": []string{"CR-1"}, "amount": 5,
		})
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", typ, w.Body.String())
	}
}

func TestWalletEndpoints(t *testing.T) {
	r := setupRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/wallets", gin.H{"userId": "carol"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/wallets", gin.H{"userId": "carol"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/wallets", gin.H{"userId": "bad id!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/wallets/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/wallets/carol/credit", gin.H{"amount": "7.5", "metadata": gin.H{"txRef": "pay-1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"ledgerEntry"`)

	w = do(t, r, http.MethodPost, "/api/v1/wallets/carol/debit", gin.H{"amount": "8"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/wallets/carol/debit", gin.H{"amount": "2.5"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, getBalance(t, r, "carol").TotalBalance.Equal(decimal.NewFromInt(5)))

	w = do(t, r, http.MethodGet, "/api/v1/wallets/carol/ledger?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ledger struct {
		Entries []registry.LedgerEntry `json:"entries"`
	}
	decode(t, w, &ledger)
	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, registry.LedgerBurn, ledger.Entries[0].Type)

	w = do(t, r, http.MethodGet, "/api/v1/wallets/carol/ledger?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetireAndListCredits(t *testing.T) {
	r := setupRouter(t)
	mint(t, r, "CR-1", "alice", "3")
	mint(t, r, "CR-2", "alice", "4")

	w := do(t, r, http.MethodPost, "/api/v1/registry/credits/CR-1/retire", gin.H{"ownerId": "alice"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/registry/credits/CR-1/retire", gin.H{"ownerId": "alice", "txRef": "offset"},
		InternalSecretHeader, testSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/api/v1/registry/credits?ownerId=alice&status=RETIRED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Credits []registry.Credit `json:"credits"`
	}
	decode(t, w, &list)
	require.Len(t, list.Credits, 1)
	assert.Equal(t, "CR-1", list.Credits[0].Serial)

	w = do(t, r, http.MethodGet, "/api/v1/registry/credits", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/registry/credits/CR-404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var problem map[string]interface{}
	decode(t, w, &problem)
	assert.EqualValues(t, http.StatusNotFound, problem["status"])
	assert.Equal(t, "Not Found", problem["title"])
}
