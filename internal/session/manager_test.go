package session

import (
	"errors"
	"testing"
	"time"
)

func TestCreateUserSessionAndAuthenticate(t *testing.T) {
	m := NewManager(time.Hour)

	sess, err := m.CreateUserSession("u1")
	if err != nil {
		t.Fatalf("CreateUserSession() error = %v", err)
	}
	if sess.Kind != KindUser || sess.UserID != "u1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.Token == "" {
		t.Fatalf("Token is empty")
	}
	if sess.AgentSessionID != "" {
		t.Fatalf("AgentSessionID = %q, want empty for user session", sess.AgentSessionID)
	}

	got, err := m.Authenticate(sess.Token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("UserID = %q, want %q", got.UserID, "u1")
	}

	actor := got.Actor()
	if actor.IsAgent() {
		t.Fatalf("Actor().IsAgent() = true for user session")
	}
	if actor.Ref() != "u1" {
		t.Fatalf("Actor().Ref() = %q, want %q", actor.Ref(), "u1")
	}
}

func TestCreateAgentSession(t *testing.T) {
	m := NewManager(time.Hour)

	sess, err := m.CreateAgentSession("u1", "builder")
	if err != nil {
		t.Fatalf("CreateAgentSession() error = %v", err)
	}
	if sess.Kind != KindAgent {
		t.Fatalf("Kind = %q, want %q", sess.Kind, KindAgent)
	}
	if sess.AgentSessionID == "" {
		t.Fatalf("AgentSessionID is empty")
	}
	if sess.AgentName != "builder" {
		t.Fatalf("AgentName = %q, want %q", sess.AgentName, "builder")
	}

	actor := sess.Actor()
	if !actor.IsAgent() {
		t.Fatalf("Actor().IsAgent() = false for agent session")
	}
	if actor.Ref() != sess.AgentSessionID {
		t.Fatalf("Actor().Ref() = %q, want agent session id %q", actor.Ref(), sess.AgentSessionID)
	}
}

func TestCreateSessionRequiresUserID(t *testing.T) {
	m := NewManager(time.Hour)
	if _, err := m.CreateUserSession("  "); err == nil {
		t.Fatalf("CreateUserSession() error = nil, want user_id error")
	}
	if _, err := m.CreateAgentSession("", "builder"); err == nil {
		t.Fatalf("CreateAgentSession() error = nil, want user_id error")
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	m := NewManager(time.Hour)
	if _, err := m.Authenticate("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestAuthenticateExpiresLazily(t *testing.T) {
	m := NewManager(time.Millisecond)
	sess, err := m.CreateUserSession("u1")
	if err != nil {
		t.Fatalf("CreateUserSession() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := m.Authenticate(sess.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("error = %v, want ErrExpired", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0 after lazy expiry", m.ActiveCount())
	}
}

func TestEndSession(t *testing.T) {
	m := NewManager(time.Hour)
	sess, err := m.CreateUserSession("u1")
	if err != nil {
		t.Fatalf("CreateUserSession() error = %v", err)
	}

	if err := m.End(sess.Token); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.Authenticate(sess.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound after End", err)
	}
	if err := m.End(sess.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second End() error = %v, want ErrNotFound", err)
	}
}
