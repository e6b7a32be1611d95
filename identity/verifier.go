package identity

import (
	"context"
	"fmt"

	"github.com/alwitt/presencehub/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier resolves a client presented credential into a rep ID
type Verifier interface {
	// Resolve verify the credential and return the rep ID it names.
	// Failures are common.IdentityError.
	Resolve(ctxt context.Context, credential string) (string, error)
}

// jwtVerifierImpl implements Verifier for HMAC signed JWT credentials.
//
// The subject claim carries the rep ID.
type jwtVerifierImpl struct {
	common.Component
	secret []byte
	issuer string
}

// GetJWTVerifier define a JWT credential verifier
func GetJWTVerifier(signingSecret, issuer string) (Verifier, error) {
	if signingSecret == "" {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	logTags := log.Fields{
		"module": "identity", "component": "jwt-verifier",
	}
	return &jwtVerifierImpl{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(signingSecret),
		issuer:    issuer,
	}, nil
}

// Resolve verify the credential and return the rep ID it names
func (v *jwtVerifierImpl) Resolve(
	ctxt context.Context, credential string,
) (string, error) {
	if credential == "" {
		return "", common.NewIdentityError("no credential presented")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Credential rejected")
		return "", common.NewIdentityError("credential invalid or expired")
	}
	repID, err := token.Claims.GetSubject()
	if err != nil || repID == "" {
		return "", common.NewIdentityError("credential names no rep")
	}
	return repID, nil
}
