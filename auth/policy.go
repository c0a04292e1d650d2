package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"
)

// MechanismPolicy restricts which authentication mechanisms this client
// will answer, keyed by username. It is the moral equivalent of libpq's
// require_auth: a hardening measure against servers that try to
// downgrade a client to a weaker mechanism than expected.
type MechanismPolicy struct {
	enforcer *casbin.Enforcer
	logger   hclog.Logger
}

// NewMechanismPolicy loads a Casbin model and policy from the given
// files. Returns nil if either path is empty (policy disabled).
func NewMechanismPolicy(modelPath, policyPath string, logger hclog.Logger) (*MechanismPolicy, error) {
	if modelPath == "" || policyPath == "" {
		return nil, nil //nolint:nilnil
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	enforcer, err := casbin.NewEnforcer(modelPath, policyPath)
	if err != nil {
		return nil, fmt.Errorf("creating casbin enforcer: %w", err)
	}

	return &MechanismPolicy{
		enforcer: enforcer,
		logger:   logger,
	}, nil
}

// Allowed checks whether username may answer a challenge of the given
// mechanism. A nil policy allows everything.
func (p *MechanismPolicy) Allowed(username string, mechanism Mechanism) (bool, error) {
	if p == nil || p.enforcer == nil {
		return true, nil
	}

	allowed, err := p.enforcer.Enforce(username, string(mechanism))
	if err != nil {
		return false, fmt.Errorf("casbin enforce error: %w", err)
	}
	if !allowed {
		p.logger.Debug("Mechanism denied by policy",
			"user", username,
			"mechanism", mechanism)
	}

	return allowed, nil
}

// ReloadPolicy reloads the Casbin policy from the backing store.
func (p *MechanismPolicy) ReloadPolicy() error {
	if p == nil || p.enforcer == nil {
		return nil
	}
	return p.enforcer.LoadPolicy()
}

// PolicySelector wraps a Selector with a MechanismPolicy check, failing
// the handshake before any credentials are used when the server asks
// for a mechanism the policy forbids.
type PolicySelector struct {
	next     Selector
	policy   *MechanismPolicy
	username string
}

// NewPolicySelector builds a selector enforcing policy for username
// before delegating to next.
func NewPolicySelector(next Selector, policy *MechanismPolicy, username string) *PolicySelector {
	return &PolicySelector{next: next, policy: policy, username: username}
}

// Select implements Selector.
func (s *PolicySelector) Select(challenge pgproto3.AuthenticationResponseMessage) (Handler, error) {
	mechanism := ChallengeMechanism(challenge)

	allowed, err := s.policy.Allowed(s.username, mechanism)
	if err != nil {
		return nil, fmt.Errorf("evaluating mechanism policy: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrMechanismNotAllowed, mechanism)
	}

	return s.next.Select(challenge)
}
