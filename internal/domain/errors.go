package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindUnsupportedFormat  ErrorKind = "unsupported_format"
	KindMissingCredential  ErrorKind = "missing_credential"
	KindCredentialRejected ErrorKind = "credential_rejected"
	KindUpstream           ErrorKind = "upstream_error"
	KindNetworkFailure     ErrorKind = "network_failure"
	KindDecode             ErrorKind = "decode_error"
	KindStorage            ErrorKind = "storage_failure"
	KindNotFound           ErrorKind = "not_found"
	KindInvalidUpload      ErrorKind = "invalid_upload"
	KindInternal           ErrorKind = "internal"
)

var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrMissingCredential  = errors.New("background removal credential is not configured")
	ErrCredentialRejected = errors.New("background removal credential rejected")
	ErrUpstream           = errors.New("background removal service error")
	ErrNetworkFailure     = errors.New("background removal service unreachable")
	ErrDecode             = errors.New("image decode failed")
	ErrStorage            = errors.New("artifact storage failed")
	ErrNotFound           = errors.New("artifact not found")
	ErrInvalidUpload      = errors.New("invalid upload")
)

// UpstreamError carries the diagnostic payload returned by the removal service.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status=%d", ErrUpstream, e.StatusCode)
	}
	return fmt.Sprintf("%s: status=%d: %s", ErrUpstream, e.StatusCode, e.Detail)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

var kindOrder = []struct {
	err  error
	kind ErrorKind
}{
	{ErrMissingCredential, KindMissingCredential},
	{ErrCredentialRejected, KindCredentialRejected},
	{ErrUnsupportedFormat, KindUnsupportedFormat},
	{ErrUpstream, KindUpstream},
	{ErrNetworkFailure, KindNetworkFailure},
	{ErrDecode, KindDecode},
	{ErrStorage, KindStorage},
	{ErrNotFound, KindNotFound},
	{ErrInvalidUpload, KindInvalidUpload},
}

// KindOf classifies err into the error taxonomy. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
