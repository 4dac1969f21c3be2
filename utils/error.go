package utils

import "errors"

var (
	ErrorRecordNotFound        = errors.New("record not found")
	ErrorInvalidEvidenceStatus = errors.New("invalid evidence status")
	ErrorEmptySpreadsheet      = errors.New("file must contain a header row and at least one data row")
	ErrorUnsupportedFile       = errors.New("unsupported file type")
	ErrorMissingFile           = errors.New("no file uploaded")
	ErrorInvalidReportType     = errors.New("invalid report type")
	ErrorEmptyEvidence         = errors.New("either files or text evidence is required")
	ErrorFileTooLarge          = errors.New("file exceeds upload size limit")
)

// ValidationError marks input problems that should surface as 400 responses.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(message string, fields map[string]string) error {
	return &ValidationError{Message: message, Fields: fields}
}

// IsBadRequest reports whether err is caused by the caller's input.
func IsBadRequest(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, target := range []error{
		ErrorInvalidEvidenceStatus,
		ErrorEmptySpreadsheet,
		ErrorUnsupportedFile,
		ErrorMissingFile,
		ErrorInvalidReportType,
		ErrorEmptyEvidence,
		ErrorFileTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
