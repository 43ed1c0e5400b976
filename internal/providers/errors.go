package providers

import "errors"

// ErrRequest indicates an outbound collaborator call failed.
var ErrRequest = errors.New("provider request failed")

// ErrRejected indicates the collaborator refused the request (HTTP 4xx).
// It says nothing about the collaborator's health.
var ErrRejected = errors.New("provider rejected request")

// ErrNoResults indicates a search returned nothing usable.
var ErrNoResults = errors.New("no results")
