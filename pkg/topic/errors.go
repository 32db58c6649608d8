package topic

import "errors"

// Topic validation errors.
var (
	ErrEmptyTopic            = errors.New("topic must not be empty")
	ErrTopicTooLong          = errors.New("topic exceeds maximum length")
	ErrNullCharacter         = errors.New("topic must not contain null character")
	ErrWildcardInName        = errors.New("topic name must not contain wildcards")
	ErrInvalidMultiWildcard  = errors.New("multi-level wildcard must occupy entire level and be last")
	ErrInvalidSingleWildcard = errors.New("single-level wildcard must occupy entire level")
)
