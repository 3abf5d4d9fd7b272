package livequery

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

const (
	opConnect     = "connect"
	opSubscribe   = "subscribe"
	opUpdate      = "update"
	opUnsubscribe = "unsubscribe"

	opConnected    = "connected"
	opSubscribed   = "subscribed"
	opUnsubscribed = "unsubscribed"
	opError        = "error"
)

// Protocol error codes.
const (
	CodeBadRequest     = 1
	CodeNotFound       = 2
	CodeUnknownOp      = 3
	CodeInvalidKey     = 4
	CodeSubscribeError = 101
)

type envelope struct {
	Op string `json:"op"`
}

type connectRequest struct {
	Op             string `json:"op" validate:"required,eq=connect"`
	ApplicationID  string `json:"applicationId" validate:"required"`
	JavascriptKey  string `json:"javascriptKey"`
	MasterKey      string `json:"masterKey"`
	ClientKey      string `json:"clientKey"`
	WindowsKey     string `json:"windowsKey"`
	RestAPIKey     string `json:"restAPIKey"`
	SessionToken   string `json:"sessionToken"`
	InstallationID string `json:"installationId"`
}

// keys returns the presented key pairs by their configuration names.
func (r connectRequest) keys() map[string]string {
	return map[string]string{
		"javascriptKey": r.JavascriptKey,
		"masterKey":     r.MasterKey,
		"clientKey":     r.ClientKey,
		"windowsKey":    r.WindowsKey,
		"restAPIKey":    r.RestAPIKey,
	}
}

type liveQuery struct {
	ClassName string         `json:"className" validate:"required"`
	Where     map[string]any `json:"where" validate:"required"`
	Fields    []string       `json:"fields" validate:"omitempty,dive,required"`
}

type subscribeRequest struct {
	Op           string     `json:"op" validate:"required,oneof=subscribe update"`
	RequestID    *int       `json:"requestId" validate:"required,min=0"`
	Query        *liveQuery `json:"query" validate:"required"`
	SessionToken string     `json:"sessionToken"`
}

type unsubscribeRequest struct {
	Op        string `json:"op" validate:"required,eq=unsubscribe"`
	RequestID *int   `json:"requestId" validate:"required,min=0"`
}

type response struct {
	Op        string         `json:"op"`
	ClientID  string         `json:"clientId,omitempty"`
	RequestID *int           `json:"requestId,omitempty"`
	Object    map[string]any `json:"object,omitempty"`
	Code      int            `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reconnect *bool          `json:"reconnect,omitempty"`
}

// protocolError is an inbound message rejected before dispatch.
type protocolError struct {
	code    int
	message string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("live query protocol error %d: %s", e.code, e.message)
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// decodeRequest parses raw into one of the typed requests.
func decodeRequest(raw []byte) (any, *protocolError) {
	var head envelope
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &protocolError{code: CodeBadRequest, message: err.Error()}
	}
	var request any
	switch head.Op {
	case opConnect:
		request = &connectRequest{}
	case opSubscribe, opUpdate:
		request = &subscribeRequest{}
	case opUnsubscribe:
		request = &unsubscribeRequest{}
	case "":
		return nil, &protocolError{code: CodeBadRequest, message: "op is required"}
	default:
		return nil, &protocolError{code: CodeUnknownOp, message: "Get unknown operation"}
	}
	if err := json.Unmarshal(raw, request); err != nil {
		return nil, &protocolError{code: CodeBadRequest, message: err.Error()}
	}
	if err := requestValidator.Struct(request); err != nil {
		return nil, &protocolError{code: CodeBadRequest, message: validationMessage(err)}
	}
	return request, nil
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err.Error()
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		path := fieldError.Namespace()
		if index := strings.Index(path, "."); index >= 0 {
			path = path[index+1:]
		}
		messages = append(messages, fmt.Sprintf("%s failed on %s", path, fieldError.Tag()))
	}
	return strings.Join(messages, "; ")
}
