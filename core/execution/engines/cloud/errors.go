package cloud

import (
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"strings"
)

// launchKind classifies Batch API failures. Errors that are not API errors never reached
// the service and are treated as transient.
func launchKind(err error) exceptions.LaunchKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return exceptions.TransientBackend
	}
	msg := strings.ToLower(apiErr.ErrorMessage())
	switch apiErr.ErrorCode() {
	case "LimitExceededException", "ServiceQuotaExceededException":
		return exceptions.QuotaExceeded
	case "ClientException":
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit exceeded") {
			return exceptions.QuotaExceeded
		}
		return exceptions.InvalidConfiguration
	case "ServerException", "ThrottlingException", "TooManyRequestsException":
		return exceptions.TransientBackend
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return exceptions.TransientBackend
	}
	return exceptions.InvalidConfiguration
}
