// Package auth resolves opaque bearer tokens issued out-of-band.
// Tokens arrive via configuration; revocations persist in the store
package auth

import (
	"context"
	"net/http"
	"strings"

	"casefile/internal/modkit"
	"casefile/internal/modkit/httpkit"
	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
)

// Known roles. Operators can replay DLQ entries and trigger collection
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Identity is one configured principal
type Identity struct {
	UserID string
	Role   string
}

// Service resolves bearer tokens to identities and checks revocation
type Service struct {
	log    logger.Logger
	pg     repokit.RowQuerier
	tokens map[string]Identity
}

// New builds the token resolver from a token spec string, formatted as a
// comma-separated list of token:user:role triples, e.g.
//
//	AUTH_TOKENS=s3cr3t:rvega:operator,r34d0nly:kim:viewer
func New(d modkit.Deps, spec string) (*Service, error) {
	tokens := map[string]Identity{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, perr.Validationf("malformed token entry %q", entry)
		}
		role := parts[2]
		if role != RoleViewer && role != RoleOperator {
			return nil, perr.Validationf("unknown role %q for user %s", role, parts[1])
		}
		tokens[parts[0]] = Identity{UserID: parts[1], Role: role}
	}
	return &Service{
		log:    *logger.Named("auth"),
		pg:     d.PG,
		tokens: tokens,
	}, nil
}

// FromConfig reads the token spec from deps configuration under AUTH_
func FromConfig(d modkit.Deps) (*Service, error) {
	cfg := d.Cfg.Prefix("AUTH_")
	return New(d, cfg.MayString("TOKENS", ""))
}

// Resolve maps a raw token to an identity; revoked and unknown tokens fail alike
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	id, ok := s.tokens[token]
	if !ok {
		return Identity{}, perr.Unauthorizedf("invalid bearer token")
	}
	revoked, err := s.isRevoked(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if revoked {
		return Identity{}, perr.Unauthorizedf("invalid bearer token")
	}
	return id, nil
}

// Revoke permanently invalidates a token
func (s *Service) Revoke(ctx context.Context, token string) error {
	const sql = `
		INSERT INTO revoked_tokens (token, revoked_at)
		VALUES ($1, NOW())
		ON CONFLICT (token) DO NOTHING
	`
	if _, err := s.pg.Exec(ctx, sql, token); err != nil {
		return perr.FromPostgres(err, "token revoke failed")
	}
	s.log.Info().Msg("token revoked")
	return nil
}

func (s *Service) isRevoked(ctx context.Context, token string) (bool, error) {
	row := s.pg.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token = $1)`, token)
	var revoked bool
	if err := row.Scan(&revoked); err != nil {
		return false, perr.FromPostgres(err, "revocation check failed")
	}
	return revoked, nil
}

// Port adapts the resolver to the HTTP auth middleware seam
type Port struct{ svc *Service }

// Port returns the middleware-facing token parser
func (s *Service) Port() *Port { return &Port{svc: s} }

// Parse extracts the bearer token and resolves it under the request context
// so revocation checks share the caller's deadline
func (p *Port) Parse(r *http.Request) (string, string, error) {
	token, err := httpkit.JWT(r)
	if err != nil {
		return "", "", err
	}
	id, err := p.svc.Resolve(r.Context(), token)
	if err != nil {
		return "", "", err
	}
	return id.UserID, id.Role, nil
}
