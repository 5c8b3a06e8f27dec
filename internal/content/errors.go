package content

import "errors"

var (
	ErrDeserialization  = errors.New("content: malformed manifest")
	ErrSignatureInvalid = errors.New("content: signature invalid")
	ErrInvalidCert      = errors.New("content: invalid cert")
	ErrPolicyViolation  = errors.New("content: policy violation")
	ErrNoRules          = errors.New("content: no rules for manifest")
	ErrWrongAddress     = errors.New("content: wrong site address")
	ErrWrongInnerPath   = errors.New("content: wrong inner_path")
	ErrNotNewer         = errors.New("content: manifest is not newer")
	ErrFutureModified   = errors.New("content: modified time is in the far future")
)
