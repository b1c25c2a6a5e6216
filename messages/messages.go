// Package messages holds the Redfish Base and TaskEvent message registry
// entries the service reports, and the error envelope they are wrapped in.
package messages

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	messageType = "#Message.v1_1_1.Message"

	basePrefix      = "Base.1.13.0."
	taskEventPrefix = "TaskEvent.1.0.3."
)

type Severity = string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// Message is a single resolved registry entry.
type Message struct {
	ODataType       string   `json:"@odata.type"`
	MessageID       string   `json:"MessageId"`
	Message         string   `json:"Message"`
	MessageArgs     []string `json:"MessageArgs"`
	MessageSeverity Severity `json:"MessageSeverity"`
	Resolution      string   `json:"Resolution"`

	// Status is the HTTP status an error carrying this message maps to.
	Status int `json:"-"`
}

type entry struct {
	id         string
	format     string
	severity   Severity
	resolution string
	status     int
}

// resolve fills the %1..%n placeholders of the entry with args.
func (e *entry) resolve(args ...string) Message {
	text := e.format
	for i := len(args); i > 0; i-- {
		text = strings.ReplaceAll(text, "%"+strconv.Itoa(i), args[i-1])
	}

	if args == nil {
		args = []string{}
	}

	return Message{
		ODataType:       messageType,
		MessageID:       e.id,
		Message:         text,
		MessageArgs:     args,
		MessageSeverity: e.severity,
		Resolution:      e.resolution,
		Status:          e.status,
	}
}

var (
	internalError = entry{
		id:         basePrefix + "InternalError",
		format:     "The request failed due to an internal service error.  The service is still operational.",
		severity:   SeverityCritical,
		resolution: "Resubmit the request.  If the problem persists, consider resetting the service.",
		status:     http.StatusInternalServerError,
	}
	serviceTemporarilyUnavailable = entry{
		id:         basePrefix + "ServiceTemporarilyUnavailable",
		format:     "The service is temporarily unavailable.  Retry in %1 seconds.",
		severity:   SeverityCritical,
		resolution: "Wait for the indicated retry duration and retry the operation.",
		status:     http.StatusServiceUnavailable,
	}
	invalidUpload = entry{
		id:         basePrefix + "InvalidUpload",
		format:     "Invalid file uploaded to %1: %2.",
		severity:   SeverityCritical,
		resolution: "None.",
		status:     http.StatusBadRequest,
	}
	resourceAlreadyExists = entry{
		id:         basePrefix + "ResourceAlreadyExists",
		format:     "The requested resource of type %1 with the property %2 with the value %3 already exists.",
		severity:   SeverityCritical,
		resolution: "Do not repeat the create operation as the resource has already been created.",
		status:     http.StatusBadRequest,
	}
	resourceExhaustion = entry{
		id:         basePrefix + "ResourceExhaustion",
		format:     "The resource %1 was unable to satisfy the request due to unavailability of resources.",
		severity:   SeverityCritical,
		resolution: "Ensure that the resources are available and resubmit the request.",
		status:     http.StatusServiceUnavailable,
	}
	success = entry{
		id:         basePrefix + "Success",
		format:     "The request completed successfully.",
		severity:   SeverityOK,
		resolution: "None",
		status:     http.StatusOK,
	}
	propertyMissing = entry{
		id:         basePrefix + "PropertyMissing",
		format:     "The property %1 is a required property and must be included in the request.",
		severity:   SeverityWarning,
		resolution: "Ensure that the property is in the request body and has a valid value and resubmit the request if the operation failed.",
		status:     http.StatusBadRequest,
	}
	propertyValueNotInList = entry{
		id:         basePrefix + "PropertyValueNotInList",
		format:     "The value %1 for the property %2 is not in the list of acceptable values.",
		severity:   SeverityWarning,
		resolution: "Choose a value from the enumeration list that the implementation can support and resubmit the request if the operation failed.",
		status:     http.StatusBadRequest,
	}
	propertyValueFormatError = entry{
		id:         basePrefix + "PropertyValueFormatError",
		format:     "The value %1 for the property %2 is of a different format than the property can accept.",
		severity:   SeverityWarning,
		resolution: "Correct the value for the property in the request body and resubmit the request if the operation failed.",
		status:     http.StatusBadRequest,
	}
	actionParameterMissing = entry{
		id:         basePrefix + "ActionParameterMissing",
		format:     "The action %1 requires the parameter %2 to be present in the request body.",
		severity:   SeverityCritical,
		resolution: "Supply the action with the required parameter in the request body when the request is resubmitted.",
		status:     http.StatusBadRequest,
	}
	actionParameterNotSupported = entry{
		id:         basePrefix + "ActionParameterNotSupported",
		format:     "The parameter %1 for the action %2 is not supported on the target resource.",
		severity:   SeverityWarning,
		resolution: "Remove the parameter supplied and resubmit the request if the operation failed.",
		status:     http.StatusBadRequest,
	}
	actionParameterValueTypeError = entry{
		id:         basePrefix + "ActionParameterValueTypeError",
		format:     "The value %1 for the parameter %2 in the action %3 is of a different type than the parameter can accept.",
		severity:   SeverityWarning,
		resolution: "Correct the value for the parameter in the request body and resubmit the request if the operation failed.",
		status:     http.StatusBadRequest,
	}
	malformedJSON = entry{
		id:         basePrefix + "MalformedJSON",
		format:     "The request body submitted was malformed JSON and could not be parsed by the receiving service.",
		severity:   SeverityCritical,
		resolution: "Ensure that the request body is valid JSON and resubmit the request.",
		status:     http.StatusBadRequest,
	}
	unrecognizedRequestBody = entry{
		id:         basePrefix + "UnrecognizedRequestBody",
		format:     "The service detected a malformed request body that it was unable to interpret.",
		severity:   SeverityWarning,
		resolution: "Correct the request body and resubmit the request if it failed.",
		status:     http.StatusBadRequest,
	}
	resourceNotFound = entry{
		id:         basePrefix + "ResourceNotFound",
		format:     "The requested resource of type %1 named %2 was not found.",
		severity:   SeverityCritical,
		resolution: "Provide a valid resource identifier and resubmit the request.",
		status:     http.StatusNotFound,
	}
	resourceMissingAtURI = entry{
		id:         basePrefix + "ResourceMissingAtURI",
		format:     "The resource at the URI %1 was not found.",
		severity:   SeverityCritical,
		resolution: "Place a valid resource at the URI or correct the URI and resubmit the request.",
		status:     http.StatusNotFound,
	}
	generalError = entry{
		id:         basePrefix + "GeneralError",
		format:     "A general error has occurred. See Resolution for information on how to resolve the error.",
		severity:   SeverityCritical,
		resolution: "None.",
		status:     http.StatusInternalServerError,
	}

	taskStarted = entry{
		id:         taskEventPrefix + "TaskStarted",
		format:     "The task with Id '%1' has started.",
		severity:   SeverityOK,
		resolution: "None.",
	}
	taskAborted = entry{
		id:         taskEventPrefix + "TaskAborted",
		format:     "The task with Id '%1' has been aborted.",
		severity:   SeverityCritical,
		resolution: "None.",
	}
	taskPaused = entry{
		id:         taskEventPrefix + "TaskPaused",
		format:     "The task with Id '%1' has been paused.",
		severity:   SeverityWarning,
		resolution: "None.",
	}
	taskCompletedOK = entry{
		id:         taskEventPrefix + "TaskCompletedOK",
		format:     "The task with Id '%1' has completed.",
		severity:   SeverityOK,
		resolution: "None.",
	}
	taskProgressChanged = entry{
		id:         taskEventPrefix + "TaskProgressChanged",
		format:     "The task with Id '%1' has changed to progress %2 percent complete.",
		severity:   SeverityOK,
		resolution: "None.",
	}
	taskCancelled = entry{
		id:         taskEventPrefix + "TaskCancelled",
		format:     "The task with Id '%1' has been cancelled.",
		severity:   SeverityWarning,
		resolution: "None.",
	}
)

func InternalError() Message {
	return internalError.resolve()
}

// ServiceTemporarilyUnavailable asks the client to retry after the given
// number of seconds.
func ServiceTemporarilyUnavailable(retryAfter string) Message {
	return serviceTemporarilyUnavailable.resolve(retryAfter)
}

func InvalidUpload(uri, reason string) Message {
	return invalidUpload.resolve(uri, reason)
}

func ResourceAlreadyExists(resourceType, property, value string) Message {
	return resourceAlreadyExists.resolve(resourceType, property, value)
}

func ResourceExhaustion(resource string) Message {
	return resourceExhaustion.resolve(resource)
}

func Success() Message {
	return success.resolve()
}

func PropertyMissing(property string) Message {
	return propertyMissing.resolve(property)
}

func PropertyValueNotInList(value, property string) Message {
	return propertyValueNotInList.resolve(value, property)
}

func PropertyValueFormatError(value, property string) Message {
	return propertyValueFormatError.resolve(value, property)
}

func ActionParameterMissing(action, parameter string) Message {
	return actionParameterMissing.resolve(action, parameter)
}

func ActionParameterNotSupported(parameter, action string) Message {
	return actionParameterNotSupported.resolve(parameter, action)
}

func ActionParameterValueTypeError(value, parameter, action string) Message {
	return actionParameterValueTypeError.resolve(value, parameter, action)
}

func MalformedJSON() Message {
	return malformedJSON.resolve()
}

func UnrecognizedRequestBody() Message {
	return unrecognizedRequestBody.resolve()
}

func ResourceNotFound(resourceType, name string) Message {
	return resourceNotFound.resolve(resourceType, name)
}

func ResourceMissingAtURI(uri string) Message {
	return resourceMissingAtURI.resolve(uri)
}

func TaskStarted(id string) Message {
	return taskStarted.resolve(id)
}

func TaskAborted(id string) Message {
	return taskAborted.resolve(id)
}

func TaskPaused(id string) Message {
	return taskPaused.resolve(id)
}

func TaskCompletedOK(id string) Message {
	return taskCompletedOK.resolve(id)
}

func TaskProgressChanged(id string, percent uint8) Message {
	return taskProgressChanged.resolve(id, strconv.Itoa(int(percent)))
}

func TaskCancelled(id string) Message {
	return taskCancelled.resolve(id)
}

// ErrorInfo is the "error" member of a Redfish error response.
type ErrorInfo struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	ExtendedInfo []Message `json:"@Message.ExtendedInfo"`
}

// ErrorBody is a complete Redfish error response body.
type ErrorBody struct {
	Error ErrorInfo `json:"error"`
}

// NewErrorBody wraps msgs into an error envelope. A single message becomes the
// code of the error, several are reported under the general error.
func NewErrorBody(msgs ...Message) *ErrorBody {
	body := &ErrorBody{
		Error: ErrorInfo{
			ExtendedInfo: append([]Message{}, msgs...),
		},
	}

	if len(msgs) == 1 {
		body.Error.Code = msgs[0].MessageID
		body.Error.Message = msgs[0].Message
	} else {
		body.Error.Code = generalError.id
		body.Error.Message = generalError.format
	}

	return body
}

// Status returns the most severe HTTP status among msgs, or 500 if there
// are none.
func Status(msgs ...Message) int {
	status := 0
	for _, msg := range msgs {
		if msg.Status > status {
			status = msg.Status
		}
	}

	if status == 0 {
		return http.StatusInternalServerError
	}

	return status
}
