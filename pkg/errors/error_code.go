package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Ledger errors (100-199)
	ErrCodeInvalidOrder    ErrorCode = 100
	ErrCodeUnknownIndex    ErrorCode = 101
	ErrCodeDuplicateColumn ErrorCode = 102

	// Data/Resource errors (200-299)
	ErrCodeDataGap     ErrorCode = 200
	ErrCodeNoDataFound ErrorCode = 201
	ErrCodeQueryFailed ErrorCode = 202
	ErrCodeNoExpiry    ErrorCode = 203

	// Configuration errors (300-399)
	ErrCodeInvalidConfiguration ErrorCode = 300
	ErrCodeInvalidInterval      ErrorCode = 301

	// Report errors (400-499)
	ErrCodeReportFailed ErrorCode = 400
)
