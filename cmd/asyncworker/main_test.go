package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDecodePayload_RoundTripsBase64(t *testing.T) {
	raw := []byte(`{"hello":"world"}`)
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	got, err := decodePayload(encoded)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("expected %s, got %s", raw, got)
	}
}

func TestDecodePayload_EmptyIsNil(t *testing.T) {
	got, err := decodePayload(nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for empty input, got %v, %v", got, err)
	}
}

func TestRunBuiltin_Echo(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"x": 1})
	envelope, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload))

	result, body, err := runBuiltin(context.Background(), "echo", envelope)
	if err != nil {
		t.Fatalf("runBuiltin: %v", err)
	}
	if result["succeeded"] != true {
		t.Fatalf("expected succeeded=true, got %v", result)
	}
	echoed, ok := body["echoed"].(map[string]any)
	if !ok || echoed["x"] != float64(1) {
		t.Fatalf("expected echoed payload, got %v", body)
	}
}

func TestRunBuiltin_Sleep(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"ms": 1})
	envelope, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload))

	start := time.Now()
	result, body, err := runBuiltin(context.Background(), "sleep", envelope)
	if err != nil {
		t.Fatalf("runBuiltin: %v", err)
	}
	if time.Since(start) < time.Millisecond {
		t.Fatal("expected runBuiltin to actually wait")
	}
	if result["succeeded"] != true || body["slept_ms"] != 1 {
		t.Fatalf("unexpected sleep result: %v %v", result, body)
	}
}

func TestRunBuiltin_SleepRespectsContextCancel(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"ms": 60000})
	envelope, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := runBuiltin(ctx, "sleep", envelope)
	if err == nil {
		t.Fatal("expected a context-canceled error")
	}
}

func TestRunBuiltin_HTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	payload, _ := json.Marshal(map[string]any{"url": srv.URL})
	envelope, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload))

	result, body, err := runBuiltin(context.Background(), "http.fetch", envelope)
	if err != nil {
		t.Fatalf("runBuiltin: %v", err)
	}
	if result["succeeded"] != true {
		t.Fatalf("expected succeeded=true, got %v", result)
	}
	if body["status"] != 200 {
		t.Fatalf("expected status 200, got %v", body)
	}
}

func TestRunBuiltin_HTTPFetchRequiresURL(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{})
	envelope, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload))

	if _, _, err := runBuiltin(context.Background(), "http.fetch", envelope); err == nil {
		t.Fatal("expected an error when url is missing")
	}
}

func TestRunBuiltin_UnsupportedType(t *testing.T) {
	if _, _, err := runBuiltin(context.Background(), "nonexistent", nil); err == nil {
		t.Fatal("expected an error for an unsupported task type")
	}
}

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"echo", []string{"echo"}},
		{"echo,sleep,http.fetch", []string{"echo", "sleep", "http.fetch"}},
		{"echo,,sleep", []string{"echo", "sleep"}},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("splitCSV(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestGetenvDuration_FallsBackOnUnparseable(t *testing.T) {
	t.Setenv("ASYNCGATE_POLL_INTERVAL_TEST", "not-a-duration")
	got := getenvDuration("ASYNCGATE_POLL_INTERVAL_TEST", 3*time.Second)
	if got != 3*time.Second {
		t.Fatalf("expected fallback of 3s, got %v", got)
	}
}
