package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidateID はidがUUID形式であることを検証する。不正な場合はVALIDATION_ERRORを返す。
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(fmt.Sprintf("%s is required", field))
	}
	if _, err := uuid.Parse(id); err != nil {
		return NewValidationError(fmt.Sprintf("%s is malformed", field))
	}
	return nil
}
