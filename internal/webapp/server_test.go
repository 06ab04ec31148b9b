package webapp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stackmint/creditweb/internal/authgate"
	"github.com/stackmint/creditweb/internal/ledgerd"
	"github.com/stackmint/creditweb/internal/store/gormstore"
)

const (
	testSigningKey = "webapp-test-signing-key"
	testLedgerKey  = "webapp-test-ledger-key"
)

// appFixture runs the application server against a real ledger backend, both
// on httptest servers sharing one signing key.
type appFixture struct {
	client  *http.Client
	baseURL string
}

func mustOpenDatabase(test *testing.T, name string) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	return db
}

func newLedgerBackend(test *testing.T) *httptest.Server {
	test.Helper()
	store := gormstore.New(mustOpenDatabase(test, "ledger.db"), func() time.Time { return time.Now().UTC() })
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate ledger: %v", err)
	}
	codec, err := authgate.NewTokenCodec(authgate.CodecConfig{SigningKey: testSigningKey, Issuer: "creditweb"})
	if err != nil {
		test.Fatalf("codec init failed: %v", err)
	}
	backend, err := ledgerd.NewServer(ledgerd.Config{APIKey: testLedgerKey, SessionSigningKey: testSigningKey}, store, codec, nil)
	if err != nil {
		test.Fatalf("ledger server init failed: %v", err)
	}
	server := httptest.NewServer(backend.Router())
	test.Cleanup(server.Close)
	return server
}

func newAppFixture(test *testing.T, mutate func(config *Config)) *appFixture {
	test.Helper()
	backend := newLedgerBackend(test)

	users := NewUserStore(mustOpenDatabase(test, "users.db"))
	if err := users.Migrate(); err != nil {
		test.Fatalf("migrate users: %v", err)
	}
	config := Config{
		SessionSigningKey: testSigningKey,
		LedgerBaseURL:     backend.URL,
		LedgerAPIKey:      testLedgerKey,
	}
	if mutate != nil {
		mutate(&config)
	}
	server, err := NewServer(config, users, nil)
	if err != nil {
		test.Fatalf("app server init failed: %v", err)
	}
	app := httptest.NewServer(server.Router())
	test.Cleanup(app.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		test.Fatalf("cookie jar init failed: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &appFixture{client: client, baseURL: app.URL}
}

func (fixture *appFixture) postJSON(test *testing.T, path string, payload any) *http.Response {
	test.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	response, err := fixture.client.Post(fixture.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		test.Fatalf("POST %s: %v", path, err)
	}
	test.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (fixture *appFixture) get(test *testing.T, path string) *http.Response {
	test.Helper()
	response, err := fixture.client.Get(fixture.baseURL + path)
	if err != nil {
		test.Fatalf("GET %s: %v", path, err)
	}
	test.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (fixture *appFixture) signUp(test *testing.T, email string) {
	test.Helper()
	response := fixture.postJSON(test, "/auth/sign-up", map[string]string{
		"email":    email,
		"password": "password123",
	})
	if response.StatusCode != http.StatusCreated {
		test.Fatalf("sign up failed with %d", response.StatusCode)
	}
}

func decodeBody(test *testing.T, response *http.Response, target any) {
	test.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		test.Fatalf("decode response: %v", err)
	}
}

func TestProtectedRedirectsWhenUnauthenticated(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)

	response := fixture.get(test, "/protected")
	if response.StatusCode != http.StatusSeeOther {
		test.Fatalf("expected 303, got %d", response.StatusCode)
	}
	if location := response.Header.Get("Location"); location != "/sign-in" {
		test.Fatalf("expected redirect to /sign-in, got %q", location)
	}
}

func TestLandingRedirectsWhenAuthenticated(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	response := fixture.get(test, "/")
	if response.StatusCode != http.StatusSeeOther {
		test.Fatalf("expected 303, got %d", response.StatusCode)
	}
	if location := response.Header.Get("Location"); location != "/protected" {
		test.Fatalf("expected redirect to /protected, got %q", location)
	}
}

func TestSignUpSeedsDashboardCredits(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	response := fixture.get(test, "/protected")
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var payload struct {
		Page    string `json:"page"`
		Credits struct {
			CurrentCredits int64 `json:"current_credits"`
		} `json:"credits"`
	}
	decodeBody(test, response, &payload)
	if payload.Page != "dashboard" {
		test.Fatalf("expected dashboard payload, got %+v", payload)
	}
	if payload.Credits.CurrentCredits != 5 {
		test.Fatalf("expected signup bonus of 5, got %d", payload.Credits.CurrentCredits)
	}
}

func TestSpendOneAndReset(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	var spendPayload struct {
		Success        bool  `json:"success"`
		CurrentCredits int64 `json:"current_credits"`
	}
	response := fixture.postJSON(test, "/protected/credits/spend-one", struct{}{})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
	decodeBody(test, response, &spendPayload)
	if !spendPayload.Success || spendPayload.CurrentCredits != 4 {
		test.Fatalf("expected balance 4 after spending one, got %+v", spendPayload)
	}

	response = fixture.postJSON(test, "/protected/credits/reset", struct{}{})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("reset failed with %d", response.StatusCode)
	}

	response = fixture.get(test, "/protected")
	var dashboard struct {
		Credits struct {
			CurrentCredits int64 `json:"current_credits"`
		} `json:"credits"`
	}
	decodeBody(test, response, &dashboard)
	if dashboard.Credits.CurrentCredits != 5 {
		test.Fatalf("expected balance 5 after reset, got %d", dashboard.Credits.CurrentCredits)
	}
}

func TestSpendOneExhaustsBalance(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	for i := 0; i < 5; i++ {
		response := fixture.postJSON(test, "/protected/credits/spend-one", struct{}{})
		if response.StatusCode != http.StatusOK {
			test.Fatalf("spend %d failed with %d", i+1, response.StatusCode)
		}
	}
	response := fixture.postJSON(test, "/protected/credits/spend-one", struct{}{})
	if response.StatusCode != http.StatusConflict {
		test.Fatalf("expected 409 on empty balance, got %d", response.StatusCode)
	}
	var payload struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(test, response, &payload)
	if payload.Success || payload.Error.Code != "insufficient_credits" {
		test.Fatalf("unexpected exhaustion payload: %+v", payload)
	}
}

func TestBillingHistoryAndPurchase(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	response := fixture.postJSON(test, "/protected/billing/purchase", map[string]string{"pack": "starter"})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("purchase failed with %d", response.StatusCode)
	}
	var purchase struct {
		Credits struct {
			CurrentCredits int64 `json:"current_credits"`
		} `json:"credits"`
	}
	decodeBody(test, response, &purchase)
	if purchase.Credits.CurrentCredits != 55 {
		test.Fatalf("expected 55 credits after starter pack, got %d", purchase.Credits.CurrentCredits)
	}

	response = fixture.get(test, "/protected/billing?filter_type=earn")
	if response.StatusCode != http.StatusOK {
		test.Fatalf("billing page failed with %d", response.StatusCode)
	}
	var billing struct {
		Transactions []struct {
			TransactionType string `json:"transaction_type"`
			Amount          int64  `json:"amount"`
		} `json:"transactions"`
	}
	decodeBody(test, response, &billing)
	if len(billing.Transactions) != 1 {
		test.Fatalf("expected one earn transaction, got %+v", billing.Transactions)
	}
	if billing.Transactions[0].Amount != 50 {
		test.Fatalf("unexpected earn amount: %+v", billing.Transactions[0])
	}

	response = fixture.postJSON(test, "/protected/billing/purchase", map[string]string{"pack": "bogus"})
	if response.StatusCode != http.StatusBadRequest {
		test.Fatalf("expected 400 for unknown pack, got %d", response.StatusCode)
	}
}

func TestSignInAndSignOut(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	response := fixture.postJSON(test, "/auth/sign-out", struct{}{})
	if response.StatusCode != http.StatusNoContent {
		test.Fatalf("sign out failed with %d", response.StatusCode)
	}
	response = fixture.get(test, "/protected")
	if response.StatusCode != http.StatusSeeOther {
		test.Fatalf("expected redirect after sign out, got %d", response.StatusCode)
	}

	response = fixture.postJSON(test, "/auth/sign-in", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("sign in failed with %d", response.StatusCode)
	}
	response = fixture.get(test, "/protected")
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected dashboard after sign in, got %d", response.StatusCode)
	}
}

func TestSignInRejectsWrongPassword(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")
	fixture.postJSON(test, "/auth/sign-out", struct{}{})

	response := fixture.postJSON(test, "/auth/sign-in", map[string]string{
		"email":    "user@example.com",
		"password": "wrong-password",
	})
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestSignUpRejectsDuplicateEmail(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	response := fixture.postJSON(test, "/auth/sign-up", map[string]string{
		"email":    "user@example.com",
		"password": "password456",
	})
	if response.StatusCode != http.StatusConflict {
		test.Fatalf("expected 409, got %d", response.StatusCode)
	}
}

func TestSettingsReturnsProfile(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, nil)
	fixture.signUp(test, "user@example.com")

	response := fixture.get(test, "/protected/settings")
	if response.StatusCode != http.StatusOK {
		test.Fatalf("settings failed with %d", response.StatusCode)
	}
	var payload struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	decodeBody(test, response, &payload)
	if payload.User.Email != "user@example.com" {
		test.Fatalf("unexpected settings payload: %+v", payload)
	}
}

func TestMissingSessionKeyDegradesGracefully(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, func(config *Config) {
		config.SessionSigningKey = ""
	})

	// The gate is indeterminate, so the protected path passes through and the
	// handler reports the degraded session backend.
	response := fixture.get(test, "/protected")
	if response.StatusCode != http.StatusServiceUnavailable {
		test.Fatalf("expected 503, got %d", response.StatusCode)
	}

	response = fixture.postJSON(test, "/auth/sign-up", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	if response.StatusCode != http.StatusServiceUnavailable {
		test.Fatalf("expected 503 sign up, got %d", response.StatusCode)
	}
}

func TestMissingLedgerConfigDegradesGracefully(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, func(config *Config) {
		config.LedgerBaseURL = ""
		config.LedgerAPIKey = ""
	})
	fixture.signUp(test, "user@example.com")

	response := fixture.get(test, "/protected")
	if response.StatusCode != http.StatusServiceUnavailable {
		test.Fatalf("expected 503 without ledger config, got %d", response.StatusCode)
	}

	// Public pages keep working.
	response = fixture.get(test, "/pricing")
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200 for pricing, got %d", response.StatusCode)
	}
}

func TestMissingSessionKeyFailClosed(test *testing.T) {
	test.Parallel()
	fixture := newAppFixture(test, func(config *Config) {
		config.SessionSigningKey = ""
		config.GateFailClosed = true
	})

	response := fixture.get(test, "/protected")
	if response.StatusCode != http.StatusSeeOther {
		test.Fatalf("expected 303 under fail closed, got %d", response.StatusCode)
	}
	if location := response.Header.Get("Location"); location != "/sign-in" {
		test.Fatalf("expected redirect to /sign-in, got %q", location)
	}
}
