package uc

import "errors"

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrTenantMissing = errors.New("tenant is required")
	ErrIDMissing     = errors.New("document id is required")
	ErrQueryMissing  = errors.New("query is required")
	ErrSourceMissing = errors.New("document text or bytes are required")
)
