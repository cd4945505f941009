// README: Firebase Admin SDK initialisation, token verifier and profile lookup.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"roadassist/internal/types"
)

// Identity holds the verified caller data used by downstream middleware.
type Identity struct {
	UID           string
	Role          string
	PhoneVerified bool
	Claims        map[string]interface{}
}

// TokenVerifier verifies a raw bearer token and returns the caller identity.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*Identity, error)
}

// NewFirebaseApp creates the Admin SDK app shared by auth, profiles and messaging.
// If credentialsFile is non-empty it is used as the service-account JSON path;
// otherwise application-default credentials / GOOGLE_APPLICATION_CREDENTIALS are used.
func NewFirebaseApp(ctx context.Context, projectID, credentialsFile string) (*firebase.App, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

// firebaseVerifier is the production implementation backed by the Firebase Admin SDK.
type firebaseVerifier struct {
	client *auth.Client
}

func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (TokenVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Identity, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return identityFromClaims(token.UID, token.Claims), nil
}

// identityFromClaims treats a present phone_number claim as a verified phone,
// which is how Firebase phone sign-in reports it.
func identityFromClaims(uid string, claims map[string]interface{}) *Identity {
	id := &Identity{UID: uid, Claims: claims}
	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}
	if phone, ok := claims["phone_number"].(string); ok && phone != "" {
		id.PhoneVerified = true
	}
	if v, ok := claims["phone_verified"].(bool); ok && v {
		id.PhoneVerified = true
	}
	return id
}

// FirebaseProfiles resolves public helper profiles from Firebase Auth user records.
type FirebaseProfiles struct {
	client *auth.Client
}

func NewFirebaseProfiles(ctx context.Context, app *firebase.App) (*FirebaseProfiles, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &FirebaseProfiles{client: client}, nil
}

func (p *FirebaseProfiles) Profile(ctx context.Context, id types.ID) (types.Profile, error) {
	u, err := p.client.GetUser(ctx, string(id))
	if err != nil {
		return types.Profile{ID: id}, fmt.Errorf("firebase GetUser %s: %w", id, err)
	}
	return types.Profile{ID: id, DisplayName: u.DisplayName, PhotoURL: u.PhotoURL}, nil
}

// StaticProfiles is used when no identity provider is configured.
type StaticProfiles struct{}

func (StaticProfiles) Profile(_ context.Context, id types.ID) (types.Profile, error) {
	return types.Profile{ID: id, DisplayName: string(id)}, nil
}
