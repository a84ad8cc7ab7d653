// internal/registry/registry.go
package registry

import (
	"context"
	"database/sql"
	"errors"
)

/*
Registration and Deployment records.

A Registration identifies one (issuer, client_id) pair for LTI 1.3, or one
consumer key for LTI 1.1, together with the platform endpoints needed to
verify launches and call back into the LMS. Records are immutable once
created; the launch/grading core only reads them.
*/

var (
	ErrRegistrationNotFound = errors.New("registry: registration not found")
	ErrDeploymentNotFound   = errors.New("registry: deployment not found")
)

// LTIVersion selects the protocol generation a Registration speaks.
type LTIVersion string

const (
	LTI11 LTIVersion = "1.1"
	LTI13 LTIVersion = "1.3"
)

type Registration struct {
	ID         int64
	LTIVersion LTIVersion

	// LTI 1.3 identity and platform endpoints.
	Issuer       string
	ClientID     string
	AuthLoginURL string
	KeySetURL    string
	TokenURL     string

	// LTI 1.1 credentials.
	ConsumerKey  string
	SharedSecret string

	// Vendor product family code, e.g. "canvas" or "desire2learn".
	ProductFamily string
}

// Deployment scopes a tool installation inside one LMS tenant.
type Deployment struct {
	RegistrationID int64
	DeploymentID   string
}

// Store is the persisted-registration collaborator. The core only reads it.
type Store interface {
	FindRegistration(ctx context.Context, issuer, clientID string) (Registration, error)
	FindRegistrationByID(ctx context.Context, id int64) (Registration, error)
	FindRegistrationByConsumerKey(ctx context.Context, consumerKey string) (Registration, error)
	FindDeployment(ctx context.Context, registrationID int64, deploymentID string) (Deployment, error)
}

// SQLStore reads registrations from the relational schema in internal/db.
type SQLStore struct{ DB *sql.DB }

const registrationCols = `id, lti_version, issuer, client_id, auth_login_url, key_set_url, token_url, consumer_key, shared_secret, product_family`

func (s *SQLStore) scanRegistration(row *sql.Row) (Registration, error) {
	var r Registration
	err := row.Scan(&r.ID, &r.LTIVersion, &r.Issuer, &r.ClientID, &r.AuthLoginURL,
		&r.KeySetURL, &r.TokenURL, &r.ConsumerKey, &r.SharedSecret, &r.ProductFamily)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, ErrRegistrationNotFound
	}
	return r, err
}

func (s *SQLStore) FindRegistration(ctx context.Context, issuer, clientID string) (Registration, error) {
	return s.scanRegistration(s.DB.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM registrations WHERE issuer=$1 AND client_id=$2`,
		issuer, clientID))
}

func (s *SQLStore) FindRegistrationByID(ctx context.Context, id int64) (Registration, error) {
	return s.scanRegistration(s.DB.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM registrations WHERE id=$1`, id))
}

func (s *SQLStore) FindRegistrationByConsumerKey(ctx context.Context, consumerKey string) (Registration, error) {
	return s.scanRegistration(s.DB.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM registrations WHERE consumer_key=$1`, consumerKey))
}

func (s *SQLStore) FindDeployment(ctx context.Context, registrationID int64, deploymentID string) (Deployment, error) {
	var d Deployment
	err := s.DB.QueryRowContext(ctx,
		`SELECT registration_id, deployment_id FROM deployments WHERE registration_id=$1 AND deployment_id=$2`,
		registrationID, deploymentID).Scan(&d.RegistrationID, &d.DeploymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, ErrDeploymentNotFound
	}
	return d, err
}
