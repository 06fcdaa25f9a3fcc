package gira

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantToken  string
		wantEvents int
		wantErr    bool
	}{
		{"value event", `{"token":"tok","events":[{"uid":"a02b","value":"1"}]}`, "tok", 1, false},
		{"service event", `{"token":"tok","events":[{"event":"test"}]}`, "tok", 1, false},
		{"no token", `{"events":[{"uid":"a"}]}`, "", 1, false},
		{"numeric token", `{"token":42,"events":[]}`, "", 0, false},
		{"no events", `{"token":"tok"}`, "tok", 0, false},
		{"null events", `{"token":"tok","events":null}`, "tok", 0, false},
		{"not json", `token=tok`, "", 0, true},
		{"array body", `[1,2]`, "", 0, true},
		{"null body", `null`, "", 0, true},
		{"events not array", `{"token":"tok","events":"x"}`, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, payload, events, err := ParseWebhook([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWebhook() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("error = %v, want ErrProtocol", err)
				}
				return
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
			if len(events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(events), tt.wantEvents)
			}
			if strings.Contains(string(payload), `"token"`) {
				t.Errorf("payload still contains token: %s", payload)
			}
		})
	}
}

func TestParseWebhook_PreservesOtherFields(t *testing.T) {
	_, payload, _, err := ParseWebhook([]byte(`{"token":"tok","events":[{"uid":"a02b","value":"1"}],"failures":0}`))
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}

	var got map[string]json.RawMessage
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if _, ok := got["failures"]; !ok {
		t.Error("failures field dropped")
	}
	if string(got["events"]) != `[{"uid":"a02b","value":"1"}]` {
		t.Errorf("events = %s", got["events"])
	}
}

func TestRouter_RegisterAndLookup(t *testing.T) {
	r := NewRouter(nil)
	a := createTestSession(t, NewMockDeviceAPI(), &fakeScheduler{}, func(o *SessionOptions) { o.ID = "b-home" })
	b := createTestSession(t, NewMockDeviceAPI(), &fakeScheduler{}, func(o *SessionOptions) { o.ID = "a-office" })

	if err := r.Register(a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(b); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(a); !errors.Is(err, ErrConfiguration) {
		t.Errorf("duplicate Register() error = %v, want ErrConfiguration", err)
	}
	if err := r.Register(nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Register(nil) error = %v, want ErrConfiguration", err)
	}

	all := r.Sessions()
	if len(all) != 2 || all[0].ID() != "a-office" || all[1].ID() != "b-home" {
		t.Errorf("Sessions() order wrong: %v, %v", all[0].ID(), all[1].ID())
	}

	r.Unregister("a-office")
	if _, ok := r.Session("a-office"); ok {
		t.Error("session still present after Unregister")
	}
}

func TestRouter_HandleWebhook(t *testing.T) {
	r := NewRouter(nil)
	s := createTestSession(t, NewMockDeviceAPI(), &fakeScheduler{}, nil)
	connectSession(t, s)
	if err := r.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	subs := []*mockSubscriber{{id: "n1"}, {id: "n2"}, {id: "n3"}}
	for _, sub := range subs {
		if err := s.AddSubscriber(sub); err != nil {
			t.Fatalf("AddSubscriber() error = %v", err)
		}
	}
	ctx := context.Background()

	tests := []struct {
		name      string
		sessionID string
		body      string
		want      int
		delivered int
	}{
		{"unknown session", "nope", `{"token":"token-1","events":[{"uid":"a"}]}`, 404, 0},
		{"malformed body", "x1", `{not json`, 400, 0},
		{"missing token", "x1", `{"events":[{"uid":"a"}]}`, 401, 0},
		{"mismatched token", "x1", `{"token":"other","events":[{"uid":"a"}]}`, 401, 0},
		{"test event only", "x1", `{"token":"token-1","events":[{"event":"test"}]}`, 200, 1},
		{"empty events", "x1", `{"token":"token-1","events":[]}`, 200, 1},
		{"value event", "x1", `{"token":"token-1","events":[{"uid":"a02b","value":"1"}]}`, 200, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.HandleWebhook(ctx, tt.sessionID, []byte(tt.body)); got != tt.want {
				t.Errorf("HandleWebhook() = %d, want %d", got, tt.want)
			}
			for _, sub := range subs {
				if n := len(sub.Payloads()); n != tt.delivered {
					t.Errorf("%s deliveries = %d, want %d", sub.id, n, tt.delivered)
				}
			}
		})
	}

	for _, sub := range subs {
		for _, p := range sub.Payloads() {
			if strings.Contains(string(p), "token") {
				t.Errorf("%s received token: %s", sub.id, p)
			}
		}
	}
}

func TestRouter_SubscribersGetIndependentCopies(t *testing.T) {
	r := NewRouter(nil)
	s := createTestSession(t, NewMockDeviceAPI(), &fakeScheduler{}, nil)
	connectSession(t, s)
	_ = r.Register(s) //nolint:errcheck // Test

	a := &mockSubscriber{id: "a"}
	b := &mockSubscriber{id: "b"}
	_ = s.AddSubscriber(a) //nolint:errcheck // Test
	_ = s.AddSubscriber(b) //nolint:errcheck // Test

	if got := r.HandleWebhook(context.Background(), "x1", []byte(`{"token":"token-1","events":[{"uid":"a"}]}`)); got != 200 {
		t.Fatalf("HandleWebhook() = %d", got)
	}

	pa, pb := a.Payloads()[0], b.Payloads()[0]
	pa[0] = 'X'
	if pb[0] == 'X' {
		t.Error("subscribers share the payload buffer")
	}
}

func TestUIConfig_DataPointLookup(t *testing.T) {
	raw := json.RawMessage(`{
		"uid": "cfg1",
		"functions": [
			{"uid": "f1", "displayName": "Kitchen Light", "functionType": "de.gira.schema.functions.Switch",
			 "channelType": "de.gira.schema.channels.Switch",
			 "dataPoints": [{"uid": "a02b", "name": "OnOff"}]},
			{"uid": "f2", "displayName": "Blind", "dataPoints": [{"uid": "a03a", "name": "Position"}, {"uid": "a03b", "name": "Slat-Position"}]}
		]
	}`)

	cfg, err := ParseUIConfig(raw)
	if err != nil {
		t.Fatalf("ParseUIConfig() error = %v", err)
	}
	if cfg.UID != "cfg1" || cfg.DataPointCount() != 3 {
		t.Errorf("uid = %q count = %d", cfg.UID, cfg.DataPointCount())
	}

	fn, dp, ok := cfg.DataPoint("a03b")
	if !ok {
		t.Fatal("a03b not found")
	}
	if fn.DisplayName != "Blind" || dp.Name != "Slat-Position" {
		t.Errorf("lookup = %q/%q", fn.DisplayName, dp.Name)
	}

	if _, _, ok := cfg.DataPoint("zzzz"); ok {
		t.Error("unknown uid found")
	}
	var nilCfg *UIConfig
	if _, _, ok := nilCfg.DataPoint("a02b"); ok {
		t.Error("nil config lookup succeeded")
	}

	if _, err := ParseUIConfig(json.RawMessage(`[`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("ParseUIConfig(bad) error = %v, want ErrProtocol", err)
	}
}
