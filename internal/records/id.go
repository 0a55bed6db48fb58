package records

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDProvider issues type-local record keys.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewRecordID issues a fresh identifier tagged with typeName.
func NewRecordID(provider IDProvider, typeName string) (ID, error) {
	if strings.TrimSpace(typeName) == "" {
		return "", fmt.Errorf("%w: empty type name", ErrInvalidRecord)
	}
	if provider == nil {
		provider = NewUUIDProvider()
	}
	key, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return NewID(typeName, key), nil
}
