package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coedit/internal/models"
	"coedit/internal/permissions"
	"coedit/internal/utils"
)

var (
	// ErrAuthentication: credential missing or failed verification.
	ErrAuthentication = errors.New("please login first")
	// ErrValidation: the request did not name a document.
	ErrValidation = errors.New("please provide the documentId")
	// ErrAuthorization: no permission record for the user on the document.
	ErrAuthorization = errors.New("you're not allowed to access this document")
)

type TokenVerifier interface {
	Verify(token string) (*utils.UserClaims, error)
}

type PermissionStore interface {
	GetPermission(ctx context.Context, userID, documentID string) (models.Permission, error)
}

// Gate admits a connection to one document. It never touches session state.
type Gate struct {
	verifier TokenVerifier
	perms    PermissionStore
}

func NewGate(verifier TokenVerifier, perms PermissionStore) *Gate {
	return &Gate{verifier: verifier, perms: perms}
}

// Authenticate verifies credential and resolves its permission on documentID.
func (g *Gate) Authenticate(ctx context.Context, credential, documentID string) (*models.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrAuthentication
	}
	claims, err := g.verifier.Verify(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, ErrValidation
	}

	level, err := g.perms.GetPermission(ctx, claims.UserID, documentID)
	if errors.Is(err, permissions.ErrPermissionNotFound) {
		return nil, ErrAuthorization
	}
	if err != nil {
		return nil, fmt.Errorf("resolve permission: %w", err)
	}

	return &models.Identity{
		UserID:     claims.UserID,
		FirstName:  claims.FirstName,
		LastName:   claims.LastName,
		Email:      claims.Email,
		DocumentID: documentID,
		Permission: level,
	}, nil
}
