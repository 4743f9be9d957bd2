// Package auth verifies the two capability tokens the relay's wire
// protocol accepts on /auth (owner tokens minted by the document owner,
// and collaboration tokens countersigned by a session DID) and resolves
// on-chain document ownership, following the teacher's JWT-claims-as-
// decode-target pattern (internal/server/middleware's AppClaims) but
// moving the actual trust boundary to the UCAN signature chain.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ucan-wg/go-ucan"
)

const (
	abilityCreate      = "collaboration/CREATE"
	abilityCollaborate = "collaboration/COLLABORATE"
	schemeStorage      = "storage"
	resourceCollab     = "collaboration"
)

var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrOwnerUnresolved  = errors.New("auth: owner could not be resolved")
	ErrCapabilityDenied = errors.New("auth: token does not grant the required capability")
	ErrWrongAudience    = errors.New("auth: token audience is not this server")
)

// structuralClaims is never used as a trust boundary. It exists only so a
// syntactically broken token (missing exp, wrong shape) is rejected before
// the more expensive UCAN capability walk runs, mirroring the teacher's
// AppClaims decode-only usage of jwt.RegisteredClaims.
type structuralClaims struct {
	jwt.RegisteredClaims
}

var structuralParser = jwt.NewParser(jwt.WithoutClaimsValidation())

func decodeStructural(token string) (*structuralClaims, error) {
	claims := &structuralClaims{}
	_, _, err := structuralParser.ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}
	return claims, nil
}

// Verifier checks owner and collaboration capability tokens against the
// relay's own server DID. It is stateless beyond the resolver it wraps and
// is safe for concurrent use.
type Verifier struct {
	serverDID    ucan.DID
	ownerResolve *OwnerResolver
	didResolver  ucan.DIDResolver
}

func NewVerifier(serverDID string, ownerResolve *OwnerResolver, didResolver ucan.DIDResolver) *Verifier {
	return &Verifier{
		serverDID:    ucan.DID(serverDID),
		ownerResolve: ownerResolve,
		didResolver:  didResolver,
	}
}

// VerifyOwnerToken checks that token is a valid UCAN rooted at the DID the
// on-chain registry names as the owner of (contractAddress,
// collaboratorAddress), with audience = this server and ability
// collaboration/CREATE over resource strings.ToLower(contractAddress). It
// returns that owner DID on success.
func (v *Verifier) VerifyOwnerToken(ctx context.Context, token, contractAddress, collaboratorAddress string) (string, error) {
	if _, err := decodeStructural(token); err != nil {
		return "", err
	}

	ownerDID, found := v.ownerResolve.Resolve(ctx, contractAddress, collaboratorAddress)
	if !found {
		return "", ErrOwnerUnresolved
	}

	required := ucan.NewCapability(abilityCreate, ucan.NewResource(schemeStorage, strings.ToLower(contractAddress)))
	if err := v.checkCapability(ctx, token, ucan.DID(ownerDID), required); err != nil {
		return "", err
	}
	return ownerDID, nil
}

// VerifyCollaborationToken checks that token is a valid UCAN rooted at
// sessionDID, with audience = this server and ability
// collaboration/COLLABORATE over the collaboration resource.
func (v *Verifier) VerifyCollaborationToken(ctx context.Context, token, sessionDID string) (bool, error) {
	if _, err := decodeStructural(token); err != nil {
		return false, err
	}

	required := ucan.NewCapability(abilityCollaborate, ucan.NewResource(schemeStorage, resourceCollab))
	if err := v.checkCapability(ctx, token, ucan.DID(sessionDID), required); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Verifier) checkCapability(ctx context.Context, raw string, rootIssuer ucan.DID, capability ucan.Capability) error {
	tok, err := ucan.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if tok.Audience() != v.serverDID {
		return ErrWrongAudience
	}
	if err := tok.Validate(ctx, v.didResolver); err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityDenied, err)
	}
	if !tok.Attests(rootIssuer, capability) {
		return ErrCapabilityDenied
	}
	return nil
}
