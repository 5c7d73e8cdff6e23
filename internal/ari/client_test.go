package ari

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestWSURLDerivation(t *testing.T) {
	c := New("http://pbx:8088", "transcriber", "user", "secret")
	ws := c.wsURL()

	if !strings.HasPrefix(ws, "ws://pbx:8088/ari/events?") {
		t.Fatalf("wsURL = %q, want ws://pbx:8088/ari/events? prefix", ws)
	}
	u, err := url.Parse(ws)
	if err != nil {
		t.Fatalf("parse wsURL: %v", err)
	}
	q := u.Query()
	if got := q.Get("app"); got != "transcriber" {
		t.Errorf("app = %q, want transcriber", got)
	}
	if got := q.Get("api_key"); got != "user:secret" {
		t.Errorf("api_key = %q, want user:secret", got)
	}
}

func TestWSURLDerivationHTTPS(t *testing.T) {
	c := New("https://pbx:8089", "app", "u", "p")
	if !strings.HasPrefix(c.wsURL(), "wss://pbx:8089/ari/events?") {
		t.Fatalf("wsURL = %q, want wss prefix", c.wsURL())
	}
}

func TestCreateSnoop(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			t.Errorf("missing or wrong basic auth: %q %q", user, pass)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "snoop-in-chan1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "transcriber", "u", "p")
	ch, err := c.CreateSnoop(context.Background(), "chan1", "in", "snoop-in-chan1")
	if err != nil {
		t.Fatalf("CreateSnoop: %v", err)
	}
	if ch.ID != "snoop-in-chan1" {
		t.Errorf("snoop id = %q, want snoop-in-chan1", ch.ID)
	}
	if gotPath != "/ari/channels/chan1/snoop" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery.Get("spy") != "in" || gotQuery.Get("subscribeAll") != "yes" || gotQuery.Get("app") != "transcriber" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestCreateExternalMediaReadsChannelVars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ari/channels/externalMedia" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "ext-media-in-chan1",
			"channelvars": map[string]any{"UNICASTRTP_LOCAL_PORT": "20000"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "transcriber", "u", "p")
	ch, err := c.CreateExternalMedia(context.Background(), "10.0.0.1:10000", "slin16", "ext-media-in-chan1")
	if err != nil {
		t.Fatalf("CreateExternalMedia: %v", err)
	}
	if got := ch.Var("UNICASTRTP_LOCAL_PORT"); got != "20000" {
		t.Errorf("UNICASTRTP_LOCAL_PORT = %q, want 20000", got)
	}
}

func TestChannelVarNumericEncoding(t *testing.T) {
	var ch Channel
	if err := json.Unmarshal([]byte(`{"id":"x","channelvars":{"UNICASTRTP_LOCAL_PORT":20000}}`), &ch); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := ch.Var("UNICASTRTP_LOCAL_PORT"); got != "20000" {
		t.Errorf("Var = %q, want 20000", got)
	}
}

func TestRequestErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such channel", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "app", "u", "p")
	err := c.ContinueChannel(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	re, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("error type = %T, want *RequestError", err)
	}
	if re.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", re.Status)
	}
}

func TestNoContentResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "app", "u", "p")
	if err := c.DeleteChannel(context.Background(), "chan1"); err != nil {
		t.Fatalf("DeleteChannel on 204: %v", err)
	}
}

func TestGetChannelVariableMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "variable not set", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "app", "u", "p")
	val, err := c.GetChannelVariable(context.Background(), "chan1", "CDR(answer)")
	if err != nil {
		t.Fatalf("GetChannelVariable: %v", err)
	}
	if val != "" {
		t.Errorf("value = %q, want empty", val)
	}
}
