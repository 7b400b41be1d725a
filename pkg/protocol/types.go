package protocol

// Shared message types exchanged between signing clients and the
// background worker that owns the sandbox.

// MessageType names a request understood by the worker.
type MessageType string

const (
	// MessageTypeSign asks the worker for a request signature.
	MessageTypeSign MessageType = "sign"
)

// SignRequest carries the four opaque fields covered by a signature.
type SignRequest struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// ErrorKind classifies a failed response.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindTrap          ErrorKind = "trap"
	ErrorKindInstantiation ErrorKind = "instantiation"
	ErrorKindChannel       ErrorKind = "channel"
	ErrorKindUnknownType   ErrorKind = "unknown_type"
	ErrorKindTimeout       ErrorKind = "timeout"
)

// Request is sent once per call. ID correlates it with its Response.
type Request struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Payload RawMessage  `json:"payload,omitempty"`
}

// Response answers the Request with the same ID. Result is set when OK,
// Error and Kind otherwise.
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result RawMessage `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
	Kind   ErrorKind  `json:"kind,omitempty"`
}

// Failure builds an unsuccessful response.
func Failure(id string, kind ErrorKind, message string) Response {
	return Response{ID: id, Kind: kind, Error: message}
}

// Success builds a successful response carrying result encoded with Marshal.
func Success(id string, result any) (Response, error) {
	data, err := Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, OK: true, Result: data}, nil
}
