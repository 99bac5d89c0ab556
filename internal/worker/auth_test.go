package worker

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestTokenImmediateAdmission(t *testing.T) {
	var gotPayload string
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login-queue/rest/queue/authenticate" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotPayload = string(body)
		fmt.Fprint(w, `{"token":"tok-1"}`)
	}))
	defer ts.Close()

	c := newAuthClient(strings.TrimPrefix(ts.URL, "https://"), zerolog.Nop())
	token, err := c.Token("user1", "pass1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("Expected tok-1, got %s", token)
	}
	if gotPayload != "payload=user%3Duser1%2Cpassword%3Dpass1" {
		t.Errorf("Got payload %q", gotPayload)
	}
}

func TestTokenWaitsOutQueue(t *testing.T) {
	var tokenPolls atomic.Int32
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login-queue/rest/queue/authenticate":
			// No token yet: ticket 20, currently serving 1, rate 2.
			fmt.Fprint(w, `{"node":1,"champ":"lq","rate":2,"delay":5,`+
				`"tickers":[{"node":1,"id":20,"current":1}]}`)
		case r.URL.Path == "/login-queue/rest/queue/ticker/lq":
			// Serviced ticket is hex-encoded, keyed by node number.
			fmt.Fprint(w, `{"1":"13"}`)
		case r.URL.Path == "/login-queue/rest/queue/authToken/user1":
			if tokenPolls.Add(1) == 1 {
				fmt.Fprint(w, `{}`)
				return
			}
			fmt.Fprint(w, `{"token":"tok-2"}`)
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := newAuthClient(strings.TrimPrefix(ts.URL, "https://"), zerolog.Nop())
	token, err := c.Token("user1", "pass1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("Expected tok-2, got %s", token)
	}
	if tokenPolls.Load() < 2 {
		t.Errorf("Expected the empty token reply to be retried, got %d polls", tokenPolls.Load())
	}
}
