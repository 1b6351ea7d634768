// Package protocol defines the JSON documents exchanged with a LiveView save server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// RequestTypeSave is the only request type understood by the save server.
const RequestTypeSave = "Save"

// StatusOK marks a request the server accepted.
const StatusOK = 200

// DefaultNumAvgs is used when a request does not specify how many frames to average.
const DefaultNumAvgs = 1

var (
	// ErrInvalidCount is returned when a frame or average count is not a positive integer.
	ErrInvalidCount = errors.New("count must be a positive integer")

	// ErrEmptyFileName is returned when a save request has no file name.
	ErrEmptyFileName = errors.New("file name is empty")

	// ErrNotObject is returned when a document is valid JSON but not an object.
	ErrNotObject = errors.New("document is not a JSON object")

	// ErrInvalidUTF8 is returned when a document is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("document is not valid UTF-8")

	// ErrInvalidStatus is returned when a response status is not an integer.
	ErrInvalidStatus = errors.New("status must be an integer")
)

// SaveRequest asks the server to write NumFrames frames, each averaged over NumAvgs
// acquisitions, to FileName.
type SaveRequest struct {
	RequestType string `json:"requestType"`
	FileName    string `json:"fileName"`
	NumFrames   int    `json:"numFrames"`
	NumAvgs     int    `json:"numAvgs"`
}

// SaveResponse is the server's reply. HasStatus is false when the document had no
// "status" key, which callers treat as an unexpected response.
type SaveResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message,omitempty"`
	HasStatus bool   `json:"-"`
}

// OK reports whether the response carries the success status.
func (r SaveResponse) OK() bool {
	return r.HasStatus && r.Status == StatusOK
}

// NewSaveRequest builds a validated request. numFrames and numAvgs may be any numeric
// value accepted by ToCount; a nil numAvgs means DefaultNumAvgs.
func NewSaveRequest(fileName string, numFrames, numAvgs any) (SaveRequest, error) {
	frames, err := ToCount(numFrames)
	if err != nil {
		return SaveRequest{}, fmt.Errorf("numFrames: %w", err)
	}
	avgs := DefaultNumAvgs
	if numAvgs != nil {
		avgs, err = ToCount(numAvgs)
		if err != nil {
			return SaveRequest{}, fmt.Errorf("numAvgs: %w", err)
		}
	}

	req := SaveRequest{
		RequestType: RequestTypeSave,
		FileName:    fileName,
		NumFrames:   frames,
		NumAvgs:     avgs,
	}
	if err := req.Validate(); err != nil {
		return SaveRequest{}, err
	}
	return req, nil
}

// Validate checks that the request is fully formed.
func (r SaveRequest) Validate() error {
	if r.RequestType != RequestTypeSave {
		return fmt.Errorf("unsupported request type %q", r.RequestType)
	}
	if r.FileName == "" {
		return ErrEmptyFileName
	}
	if r.NumFrames <= 0 {
		return fmt.Errorf("numFrames %d: %w", r.NumFrames, ErrInvalidCount)
	}
	if r.NumAvgs <= 0 {
		return fmt.Errorf("numAvgs %d: %w", r.NumAvgs, ErrInvalidCount)
	}
	return nil
}

// ToCount converts a numeric value to a positive int. Integers of any width,
// floats (truncated toward zero), json.Number and numeric strings are accepted.
func ToCount(v any) (int, error) {
	n, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d: %w", n, ErrInvalidCount)
	}
	return n, nil
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing value: %w", ErrInvalidCount)
	case json.Number:
		return parseNumber(string(x))
	case string:
		return parseNumber(x)
	case bool:
		return 0, fmt.Errorf("boolean %v: %w", x, ErrInvalidCount)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fromInt64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt32 {
			return 0, fmt.Errorf("%d out of range: %w", u, ErrInvalidCount)
		}
		return int(u), nil
	case reflect.Float32, reflect.Float64:
		return fromFloat(rv.Float())
	}
	return 0, fmt.Errorf("unsupported type %T: %w", v, ErrInvalidCount)
}

// toStatus is toInt without truncation, so 200.9 is not mistaken for 200.
func toStatus(v any) (int, error) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = string(x)
	case string:
		s = strings.TrimSpace(x)
	default:
		return toInt(v)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f != math.Trunc(f) {
		return 0, fmt.Errorf("%s: %w", s, ErrInvalidStatus)
	}
	return toInt(v)
}

func parseNumber(s string) (int, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromInt64(i)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric: %w", s, ErrInvalidCount)
	}
	return fromFloat(f)
}

// The server reads counts as 32-bit integers.
func fromInt64(i int64) (int, error) {
	if i > math.MaxInt32 || i < math.MinInt32 {
		return 0, fmt.Errorf("%d out of range: %w", i, ErrInvalidCount)
	}
	return int(i), nil
}

func fromFloat(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v: %w", f, ErrInvalidCount)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%v out of range: %w", f, ErrInvalidCount)
	}
	return int(math.Trunc(f)), nil
}

// EncodeRequest serializes req as compact UTF-8 JSON.
func EncodeRequest(req SaveRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return marshal(req)
}

// EncodeResponse serializes resp as compact UTF-8 JSON.
func EncodeResponse(resp SaveResponse) ([]byte, error) {
	return marshal(resp)
}

// marshal writes JSON without HTML escaping so file names round-trip byte for byte.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// decodeObject parses a JSON object keeping numbers as json.Number.
func decodeObject(data []byte) (map[string]any, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON document")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// DecodeResponse parses a server reply. A missing "status" key is not an error.
func DecodeResponse(data []byte) (SaveResponse, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return SaveResponse{}, err
	}

	var resp SaveResponse
	if raw, ok := obj["status"]; ok {
		status, err := toStatus(raw)
		if err != nil {
			return SaveResponse{}, fmt.Errorf("status: %w", err)
		}
		resp.Status = status
		resp.HasStatus = true
	}
	if msg, ok := obj["message"]; ok && msg != nil {
		if s, isString := msg.(string); isString {
			resp.Message = s
		} else {
			resp.Message = fmt.Sprint(msg)
		}
	}
	return resp, nil
}

// RequestError describes why a request document was refused. Status is the code
// the server replies with.
type RequestError struct {
	Status int
	Reason string
}

func (e *RequestError) Error() string {
	return e.Reason
}

// DecodeRequest parses and validates a request document on the server side.
func DecodeRequest(data []byte) (SaveRequest, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return SaveRequest{}, &RequestError{Status: 400, Reason: "Malformed request: " + err.Error()}
	}

	requestType, ok := obj["requestType"].(string)
	if !ok {
		return SaveRequest{}, &RequestError{Status: 502, Reason: "Invalid client request, no requestType found."}
	}
	if !strings.EqualFold(strings.Trim(requestType, `"`), RequestTypeSave) {
		return SaveRequest{}, &RequestError{Status: 400, Reason: "Unsupported requestType: " + requestType}
	}

	fileName, _ := obj["fileName"].(string)
	if fileName == "" {
		return SaveRequest{}, &RequestError{Status: 400, Reason: "Missing fileName."}
	}

	frames, err := ToCount(obj["numFrames"])
	if err != nil {
		return SaveRequest{}, &RequestError{Status: 400, Reason: "Invalid numFrames: " + err.Error()}
	}

	avgs := DefaultNumAvgs
	if raw, ok := obj["numAvgs"]; ok {
		avgs, err = ToCount(raw)
		if err != nil {
			return SaveRequest{}, &RequestError{Status: 400, Reason: "Invalid numAvgs: " + err.Error()}
		}
	}

	return SaveRequest{
		RequestType: RequestTypeSave,
		FileName:    fileName,
		NumFrames:   frames,
		NumAvgs:     avgs,
	}, nil
}
