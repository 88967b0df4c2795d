package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"casefile/internal/modkit"
	"casefile/internal/modkit/repokit"
)

// fakePG answers revocation lookups from an in-memory set
type fakePG struct {
	revoked map[string]bool
}

func (f *fakePG) Exec(_ context.Context, _ string, args ...any) (repokit.CommandTag, error) {
	f.revoked[args[0].(string)] = true
	return nil, nil
}

func (f *fakePG) Query(context.Context, string, ...any) (repokit.Rows, error) {
	panic("not used")
}

func (f *fakePG) QueryRow(_ context.Context, _ string, args ...any) repokit.Row {
	return boolRow(f.revoked[args[0].(string)])
}

func (f *fakePG) Tx(ctx context.Context, fn func(q repokit.Queryer) error) error { return fn(f) }

type boolRow bool

func (b boolRow) Scan(dest ...any) error {
	*dest[0].(*bool) = bool(b)
	return nil
}

func newService(t *testing.T, spec string) (*Service, *fakePG) {
	t.Helper()
	pg := &fakePG{revoked: map[string]bool{}}
	s, err := New(modkit.Deps{PG: pg}, spec)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s, pg
}

func TestResolveKnownToken(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, "tok-op:rvega:operator, tok-view:kim:viewer")

	id, err := s.Resolve(context.Background(), "tok-op")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != "rvega" || id.Role != RoleOperator {
		t.Errorf("identity = %+v", id)
	}

	id, err = s.Resolve(context.Background(), "tok-view")
	if err != nil {
		t.Fatalf("resolve viewer: %v", err)
	}
	if id.Role != RoleViewer {
		t.Errorf("role = %q, want viewer", id.Role)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, "tok:user:viewer")

	if _, err := s.Resolve(context.Background(), "nope"); err == nil {
		t.Fatal("unknown token accepted")
	}
}

func TestResolveRevokedToken(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, "tok:user:operator")

	if err := s.Revoke(context.Background(), "tok"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "tok"); err == nil {
		t.Fatal("revoked token accepted")
	}
}

func TestNewRejectsMalformedSpecs(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"justatoken", "tok:user", "tok:user:sysadmin", ":user:viewer"} {
		if _, err := New(modkit.Deps{PG: &fakePG{revoked: map[string]bool{}}}, spec); err == nil {
			t.Errorf("spec %q accepted", spec)
		}
	}
}

func TestEmptySpecYieldsNoTokens(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, "")

	if _, err := s.Resolve(context.Background(), "anything"); err == nil {
		t.Fatal("token resolved against an empty spec")
	}
}

func TestPortParse(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, "tok:user:viewer")
	p := s.Port()

	r := httptest.NewRequest("GET", "/api/events", nil)
	r.Header.Set("Authorization", "Bearer tok")
	uid, role, err := p.Parse(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != "user" || role != RoleViewer {
		t.Errorf("parse = (%q, %q)", uid, role)
	}

	r = httptest.NewRequest("GET", "/api/events", nil)
	if _, _, err := p.Parse(r); err == nil {
		t.Fatal("missing header accepted")
	}
}
