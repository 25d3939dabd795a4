package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/adrewards/internal/httpapi"
	"github.com/MarkoPoloResearchLab/adrewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/adrewards/pkg/reward"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	healthPath        = "/healthz"
	sessionPath       = "/api/session"
	creditPath        = "/api/credit"
	callbackPath      = "/api/callback"
	balancePath       = "/api/balance"
	statsPath         = "/api/stats"
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
	adminSecretHeader = "X-Admin-Secret"
	testAdminSecret   = "integration-admin-secret"
	testDeviceID      = "integration-device"
)

type integrationState struct {
	sessionID string
}

func TestRun_RewardFlowIntegration(t *testing.T) {
	configuration := httpapi.Config{
		ListenAddr:     allocateListenAddress(t),
		AllowedOrigins: []string{"http://localhost:8000"},
		AdminSecret:    testAdminSecret,
		StoreTimeout:   2 * time.Second,
	}
	service := startRewardService(t)

	runContext, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErrors := make(chan error, 1)
	go func() { runErrors <- httpapi.Run(runContext, configuration, service, zap.NewNop()) }()

	waitForServerHealthy(t, configuration.ListenAddr)

	httpClient := &http.Client{Timeout: 2 * time.Second}
	baseURL := fmt.Sprintf("http://%s", configuration.ListenAddr)

	state := &integrationState{}
	testCases := []struct {
		name   string
		action func(*testing.T, *http.Client, string, *integrationState)
	}{
		{
			name: "issue session",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := sessionEnvelope{}
				status := postJSON(t, client, apiBaseURL+sessionPath, map[string]any{"device_id": testDeviceID}, &payload)
				if status != http.StatusOK {
					t.Fatalf("expected 200, received %d", status)
				}
				if len(payload.SessionID) != 32 {
					t.Fatalf("expected 32 hex chars, received %q", payload.SessionID)
				}
				if payload.TTLSeconds != 300 {
					t.Fatalf("expected ttl 300, received %d", payload.TTLSeconds)
				}
				state.sessionID = payload.SessionID
			},
		},
		{
			name: "issue session without device",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := errorEnvelope{}
				status := postJSON(t, client, apiBaseURL+sessionPath, map[string]any{}, &payload)
				if status != http.StatusBadRequest {
					t.Fatalf("expected 400, received %d", status)
				}
				if payload.Error.Code != "missing_device_id" {
					t.Fatalf("expected missing_device_id, received %q", payload.Error.Code)
				}
			},
		},
		{
			name: "credit once",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := creditEnvelope{}
				status := postJSON(t, client, apiBaseURL+creditPath, map[string]any{"device_id": testDeviceID, "session_id": state.sessionID}, &payload)
				if status != http.StatusOK {
					t.Fatalf("expected 200, received %d", status)
				}
				if !payload.OK || payload.Added != 100 || payload.Duplicate {
					t.Fatalf("expected fresh grant of 100, received %+v", payload)
				}
			},
		},
		{
			name: "replay credit reports duplicate",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := creditEnvelope{}
				status := postJSON(t, client, apiBaseURL+creditPath, map[string]any{"device_id": testDeviceID, "session_id": state.sessionID}, &payload)
				if status != http.StatusOK {
					t.Fatalf("expected 200, received %d", status)
				}
				if !payload.OK || payload.Added != 0 || !payload.Duplicate {
					t.Fatalf("expected duplicate grant, received %+v", payload)
				}
			},
		},
		{
			name: "credit unknown session",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := errorEnvelope{}
				status := postJSON(t, client, apiBaseURL+creditPath, map[string]any{"device_id": testDeviceID, "session_id": "ffffffffffffffffffffffffffffffff"}, &payload)
				if status != http.StatusForbidden {
					t.Fatalf("expected 403, received %d", status)
				}
				if payload.Error.Code != "invalid_or_expired_session" {
					t.Fatalf("expected invalid_or_expired_session, received %q", payload.Error.Code)
				}
			},
		},
		{
			name: "credit with mismatched device",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				session := sessionEnvelope{}
				if status := postJSON(t, client, apiBaseURL+sessionPath, map[string]any{"device_id": testDeviceID}, &session); status != http.StatusOK {
					t.Fatalf("session issue failed with %d", status)
				}
				payload := errorEnvelope{}
				status := postJSON(t, client, apiBaseURL+creditPath, map[string]any{"device_id": "someone-else", "session_id": session.SessionID}, &payload)
				if status != http.StatusForbidden {
					t.Fatalf("expected 403, received %d", status)
				}
				if payload.Error.Code != "device_mismatch" {
					t.Fatalf("expected device_mismatch, received %q", payload.Error.Code)
				}
				state.sessionID = session.SessionID
			},
		},
		{
			name: "callback credits the still-open session",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				body, status := getText(t, client, apiBaseURL+callbackPath+"?"+url.Values{
					"device_id":  {testDeviceID},
					"session_id": {state.sessionID},
				}.Encode())
				if status != http.StatusOK || body != "OK" {
					t.Fatalf("expected 200 OK, received %d %q", status, body)
				}
			},
		},
		{
			name: "callback always acknowledges",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				body, status := getText(t, client, apiBaseURL+callbackPath+"?session_id=deadbeef")
				if status != http.StatusOK || body != "OK" {
					t.Fatalf("expected unconditional 200 OK, received %d %q", status, body)
				}
			},
		},
		{
			name: "balance reflects credits",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := balanceEnvelope{}
				status := getJSON(t, client, apiBaseURL+balancePath+"?device_id="+testDeviceID, "", &payload)
				if status != http.StatusOK {
					t.Fatalf("expected 200, received %d", status)
				}
				if payload.Sats != 200 || payload.TodayRewards != 2 {
					t.Fatalf("expected 200 sats over 2 rewards, received %+v", payload)
				}
				if payload.DailyMax != 3 || payload.SatsPerReward != 100 || payload.MinWithdraw != 50_000 {
					t.Fatalf("policy constants missing: %+v", payload)
				}
			},
		},
		{
			name: "quota denial after the daily cap",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				session := sessionEnvelope{}
				if status := postJSON(t, client, apiBaseURL+sessionPath, map[string]any{"device_id": testDeviceID}, &session); status != http.StatusOK {
					t.Fatalf("session issue failed with %d", status)
				}
				grant := creditEnvelope{}
				if status := postJSON(t, client, apiBaseURL+creditPath, map[string]any{"device_id": testDeviceID, "session_id": session.SessionID}, &grant); status != http.StatusOK || grant.Added != 100 {
					t.Fatalf("third credit should succeed, received %d %+v", status, grant)
				}

				capped := sessionEnvelope{}
				if status := postJSON(t, client, apiBaseURL+sessionPath, map[string]any{"device_id": testDeviceID}, &capped); status != http.StatusOK {
					t.Fatalf("session issue failed with %d", status)
				}
				payload := errorEnvelope{}
				status := postJSON(t, client, apiBaseURL+creditPath, map[string]any{"device_id": testDeviceID, "session_id": capped.SessionID}, &payload)
				if status != http.StatusTooManyRequests {
					t.Fatalf("expected 429, received %d", status)
				}
				if payload.Error.Code != "quota_reached" {
					t.Fatalf("expected quota_reached, received %q", payload.Error.Code)
				}
			},
		},
		{
			name: "stats require the admin secret",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := errorEnvelope{}
				status := getJSON(t, client, apiBaseURL+statsPath, "", &payload)
				if status != http.StatusUnauthorized {
					t.Fatalf("expected 401, received %d", status)
				}
				if payload.Error.Code != "unauthorized" {
					t.Fatalf("expected unauthorized, received %q", payload.Error.Code)
				}
			},
		},
		{
			name: "stats with the admin secret",
			action: func(t *testing.T, client *http.Client, apiBaseURL string, state *integrationState) {
				payload := statsEnvelope{}
				status := getJSON(t, client, apiBaseURL+statsPath, testAdminSecret, &payload)
				if status != http.StatusOK {
					t.Fatalf("expected 200, received %d", status)
				}
				if payload.UsersTotal != 1 {
					t.Fatalf("expected one user, received %d", payload.UsersTotal)
				}
				if payload.RewardsTotal != 3 || payload.SatsIssuedTotal != 300 {
					t.Fatalf("unexpected lifetime aggregates %+v", payload)
				}
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testCase.action(t, httpClient, baseURL, state)
		})
	}

	cancelRun()
	select {
	case err := <-runErrors:
		if err != nil {
			t.Fatalf("server run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func startRewardService(t *testing.T) *reward.Service {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/adrewards.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := database.AutoMigrate(&gormstore.User{}, &gormstore.AdSession{}, &gormstore.RewardEntry{}); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	currentTime := func() int64 { return time.Now().UTC().Unix() }
	service, err := reward.NewService(gormstore.New(database), reward.DefaultConfig(), currentTime)
	if err != nil {
		t.Fatalf("reward service init failed: %v", err)
	}
	return service
}

func allocateListenAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen address allocation failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()
	return address
}

func waitForServerHealthy(t *testing.T, listenAddress string) {
	t.Helper()
	healthURL := fmt.Sprintf("http://%s%s", listenAddress, healthPath)
	httpClient := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		response, err := httpClient.Get(healthURL)
		if err == nil && response.StatusCode == http.StatusOK {
			response.Body.Close()
			return
		}
		if response != nil {
			response.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not become healthy at %s", healthURL)
}

func postJSON(t *testing.T, client *http.Client, requestURL string, body map[string]any, target any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, requestURL, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	request.Header.Set(contentTypeHeader, contentTypeJSON)
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return response.StatusCode
}

func getJSON(t *testing.T, client *http.Client, requestURL string, adminSecret string, target any) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	if adminSecret != "" {
		request.Header.Set(adminSecretHeader, adminSecret)
	}
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return response.StatusCode
}

func getText(t *testing.T, client *http.Client, requestURL string) (string, int) {
	t.Helper()
	response, err := client.Get(requestURL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(raw), response.StatusCode
}

type sessionEnvelope struct {
	SessionID  string `json:"session_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type creditEnvelope struct {
	OK        bool  `json:"ok"`
	Added     int64 `json:"added"`
	Duplicate bool  `json:"duplicate"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type balanceEnvelope struct {
	Sats          int64 `json:"sats"`
	TodayRewards  int64 `json:"today_rewards"`
	DailyMax      int64 `json:"daily_max"`
	SatsPerReward int64 `json:"sats_per_reward"`
	MinWithdraw   int64 `json:"min_withdraw"`
}

type statsEnvelope struct {
	Day             string `json:"day"`
	UsersTotal      int64  `json:"users_total"`
	RewardsToday    int64  `json:"rewards_today"`
	SatsIssuedToday int64  `json:"sats_issued_today"`
	RewardsTotal    int64  `json:"rewards_total"`
	SatsIssuedTotal int64  `json:"sats_issued_total"`
}
