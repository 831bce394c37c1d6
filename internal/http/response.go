package http

import (
	"analyticdb/pkg/config"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

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
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

type CreateTableRequest struct {
	Space   types.SpaceID       `json:"space"`
	Name    string              `json:"name"`
	Columns []row.Column        `json:"columns"`
	Options config.TableOptions `json:"options"`
}

type CreateTableResponse struct {
	ID types.TableID `json:"id"`
}

// RowJSON is the wire form of a row. Values are keyed by column name,
// missing columns are null.
type RowJSON struct {
	Key    string         `json:"key"`
	Op     string         `json:"op,omitempty"`
	Seq    types.SeqN     `json:"seq,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

type WriteRequest struct {
	Rows []RowJSON `json:"rows"`
}
