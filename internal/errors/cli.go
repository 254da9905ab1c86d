package errors

import "encoding/json"

// CLICode is one of the frozen top-level codes surfaced in the CLI's
// JSON error envelope. Unlike the internal ERR_NNN_* codes, this set
// is part of the external contract and never grows ad hoc.
type CLICode string

const (
	CLIInvalidInput   CLICode = "INVALID_INPUT"
	CLINotFound       CLICode = "NOT_FOUND"
	CLIIndexMissing   CLICode = "INDEX_MISSING"
	CLIDBError        CLICode = "DB_ERROR"
	CLIIOError        CLICode = "IO_ERROR"
	CLIConfigError    CLICode = "CONFIG_ERROR"
	CLIEmbeddingError CLICode = "EMBEDDING_ERROR"
	CLISearchError    CLICode = "SEARCH_ERROR"
	CLIInternalError  CLICode = "INTERNAL_ERROR"
)

// CLIError is the shape of the "error" object in the CLI's JSON
// output envelope: {"error": {"code": ..., "message": ..., "hint": ...}}.
type CLIError struct {
	Code    CLICode
	Message string
	Hint    string
}

func (e *CLIError) Error() string {
	return e.Message
}

type cliErrorEnvelope struct {
	Error cliErrorBody `json:"error"`
}

type cliErrorBody struct {
	Code    CLICode `json:"code"`
	Message string  `json:"message"`
	Hint    string  `json:"hint,omitempty"`
}

// MarshalJSON renders the {error:{code,message,hint}} envelope.
func (e *CLIError) MarshalJSON() ([]byte, error) {
	return json.Marshal(cliErrorEnvelope{
		Error: cliErrorBody{Code: e.Code, Message: e.Message, Hint: e.Hint},
	})
}

// NewCLIError builds a CLIError directly.
func NewCLIError(code CLICode, message, hint string) *CLIError {
	return &CLIError{Code: code, Message: message, Hint: hint}
}

// ToCLIError maps an internal PampaError (or a plain error) onto the
// frozen CLI code enumeration for the JSON error envelope. Category
// drives the mapping; a handful of specific codes get more precise
// treatment than their category would imply.
func ToCLIError(err error) *CLIError {
	if err == nil {
		return nil
	}

	if ce, ok := err.(*CLIError); ok {
		return ce
	}

	pe, ok := err.(*PampaError)
	if !ok {
		return &CLIError{Code: CLIInternalError, Message: err.Error()}
	}

	code := CLIInternalError
	switch pe.Code {
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid, ErrCodeConfigPermission:
		code = CLIConfigError
	case ErrCodeFileNotFound:
		code = CLINotFound
	case ErrCodeFilePermission, ErrCodeDiskFull, ErrCodeFileTooLarge, ErrCodeFileCorrupt:
		code = CLIIOError
	case ErrCodeCorruptIndex:
		code = CLIIndexMissing
	case ErrCodeInvalidInput, ErrCodeDimensionMismatch, ErrCodeInvalidQuery, ErrCodeQueryEmpty, ErrCodeQueryTooLong, ErrCodeInvalidPath:
		code = CLIInvalidInput
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable, ErrCodeModelDownload, ErrCodeEmbeddingFailed:
		code = CLIEmbeddingError
	case ErrCodeSearchFailed:
		code = CLISearchError
	default:
		switch pe.Category {
		case CategoryConfig:
			code = CLIConfigError
		case CategoryIO:
			code = CLIIOError
		case CategoryValidation:
			code = CLIInvalidInput
		}
	}

	return &CLIError{Code: code, Message: pe.Message, Hint: pe.Suggestion}
}
