package http

import "kvimport/pkg/registry"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status                `json:"status,omitempty"`
	Engines []registry.EngineInfo `json:"engines,omitempty"`
	Engine  *registry.EngineInfo  `json:"engine,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewEnginesResponse(engines []registry.EngineInfo) Response {
	if engines == nil {
		engines = []registry.EngineInfo{}
	}
	return Response{Status: StatusSuccess, Engines: engines}
}

func NewEngineResponse(info registry.EngineInfo) Response {
	return Response{Status: StatusSuccess, Engine: &info}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
