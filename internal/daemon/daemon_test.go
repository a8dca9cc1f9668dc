package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/fx"

	"github.com/medvall/campus/internal/session"
	"github.com/medvall/campus/internal/status"
	"github.com/medvall/campus/internal/store"
)

// fakeAPI serves the minimal endpoints the startup sequence hits.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	respond := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"success": true, "users": []map[string]any{
			{"id_user": 42, "prenom": "Alice", "nom": "Martin", "email": "alice@campus.fr", "domaine": "RSI"},
		}})
	})
	mux.HandleFunc("/groupes/my-groups", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"success": true, "data": []map[string]any{
			{"id_groupe": 7, "nom": "Projet tut"},
		}})
	})
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"success": true, "data": []any{}})
	})
	mux.HandleFunc("/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"success": true, "count": 0})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func saveTestToken(t *testing.T, profile string, exp time.Time) {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     "100",
		"id_user": float64(100),
		"exp":     exp.Unix(),
	})
	raw, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SaveToken(profile, raw); err != nil {
		t.Fatal(err)
	}
}

func waitForState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestStartupReachesReady(t *testing.T) {
	t.Setenv("CAMPUS_HOME", t.TempDir())
	srv := fakeAPI(t)
	saveTestToken(t, "main", time.Now().Add(time.Hour))

	var (
		machine *status.Machine
		db      *store.DB
	)
	app := fx.New(
		fx.NopLogger,
		Module(Params{Profile: "main", BaseURL: srv.URL}),
		fx.Populate(&machine, &db),
	)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}

	waitForState(t, machine, status.Ready)

	// The startup roster refresh must have landed in the cache.
	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Errorf("conversations after startup = %d, want 2", len(convs))
	}

	if err := app.Stop(context.Background()); err != nil {
		t.Fatalf("app.Stop() error = %v", err)
	}
	if machine.Current() != status.Stopped {
		t.Errorf("state after stop = %s, want STOPPED", machine.Current())
	}
}

func TestStartupWithoutTokenParksInAuthRequired(t *testing.T) {
	t.Setenv("CAMPUS_HOME", t.TempDir())
	srv := fakeAPI(t)

	var machine *status.Machine
	app := fx.New(
		fx.NopLogger,
		Module(Params{Profile: "main", BaseURL: srv.URL}),
		fx.Populate(&machine),
	)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	if machine.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", machine.Current())
	}
}

func TestStartupWithExpiredToken(t *testing.T) {
	t.Setenv("CAMPUS_HOME", t.TempDir())
	srv := fakeAPI(t)
	saveTestToken(t, "main", time.Now().Add(-time.Hour))

	var machine *status.Machine
	app := fx.New(
		fx.NopLogger,
		Module(Params{Profile: "main", BaseURL: srv.URL}),
		fx.Populate(&machine),
	)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	if machine.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", machine.Current())
	}
}

func TestSecondInstanceRejected(t *testing.T) {
	t.Setenv("CAMPUS_HOME", t.TempDir())
	srv := fakeAPI(t)
	saveTestToken(t, "main", time.Now().Add(time.Hour))

	app1 := fx.New(fx.NopLogger, Module(Params{Profile: "main", BaseURL: srv.URL}))
	if err := app1.Start(context.Background()); err != nil {
		t.Fatalf("first app.Start() error = %v", err)
	}
	defer func() { _ = app1.Stop(context.Background()) }()

	app2 := fx.New(fx.NopLogger, Module(Params{Profile: "main", BaseURL: srv.URL}))
	if err := app2.Start(context.Background()); err == nil {
		_ = app2.Stop(context.Background())
		t.Fatal("second instance should fail to acquire the profile lock")
	}
}
