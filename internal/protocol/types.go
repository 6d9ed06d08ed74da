package protocol

import (
	"encoding/json"

	"github.com/danmuck/edgejit/internal/protocol/schema"
)

// Op names the kind of a request or response.
type Op string

// Request ops.
const (
	OpCompile      Op = schema.OpCompile
	OpRequire      Op = schema.OpRequire
	OpPing         Op = schema.OpPing
	OpNativeSource Op = schema.OpNativeSource
)

// Response ops.
const (
	OpCompiled           Op = "compiled"
	OpRequired           Op = "required"
	OpPong               Op = "pong"
	OpError              Op = "error"
	OpNativeSourceResult Op = "native-source-result"
)

// Reserved for a future exchange where the service asks the client for a
// namespace source it cannot locate. The service never sends OpNeedSource
// and rejects OpSource.
const (
	OpNeedSource Op = "need-source"
	OpSource     Op = schema.OpSource
)

// DefaultNamespace is used when a compile request carries no ns.
const DefaultNamespace = "user"

// DefaultPort is the compile service's conventional TCP port.
const DefaultPort = 5570

// Request is one client->service message.
type Request struct {
	Op     Op     `json:"op"`
	ID     int64  `json:"id"`
	Code   string `json:"code,omitempty"`
	NS     string `json:"ns,omitempty"`
	Module string `json:"module,omitempty"`
	Source string `json:"source,omitempty"`
}

// Response is one service->client message.
type Response struct {
	Op      Op         `json:"op"`
	ID      int64      `json:"id"`
	Symbol  string     `json:"symbol,omitempty"`
	Object  []byte     `json:"object,omitempty"`
	Modules []Artifact `json:"modules,omitempty"`
	Source  string     `json:"source,omitempty"`
	NS      string     `json:"ns,omitempty"`
	Error   string     `json:"error,omitempty"`
	Type    ErrorKind  `json:"type,omitempty"`
}

// Artifact is one compiled module: relocatable object bytes plus the name of
// its niladic entry function. Artifacts are immutable once produced.
type Artifact struct {
	Name        string `json:"name"`
	EntrySymbol string `json:"symbol"`
	Object      []byte `json:"object"`
}

func Compiled(id int64, a Artifact) Response {
	return Response{Op: OpCompiled, ID: id, Symbol: a.EntrySymbol, Object: a.Object}
}

// Required builds a require response. A nil modules list still encodes as [].
func Required(id int64, modules []Artifact) Response {
	if modules == nil {
		modules = []Artifact{}
	}
	return Response{Op: OpRequired, ID: id, Modules: modules}
}

func Pong(id int64) Response {
	return Response{Op: OpPong, ID: id}
}

func NativeSourceResult(id int64, source string) Response {
	return Response{Op: OpNativeSourceResult, ID: id, Source: source}
}

// ErrorResponse converts err into an error response. Errors that carry no
// kind are reported as compile failures.
func ErrorResponse(id int64, err error) Response {
	perr := AsError(err, KindCompile)
	return Response{Op: OpError, ID: id, Error: perr.Message, Type: perr.Kind}
}

// Err returns the error carried by an error response, nil otherwise.
func (r Response) Err() error {
	if r.Op != OpError {
		return nil
	}
	kind := r.Type
	if !kind.Valid() {
		kind = KindProtocol
	}
	return &Error{Kind: kind, Message: r.Error}
}

// MarshalJSON writes only the fields that belong to the response op, so a
// required response always carries a modules list, even an empty one.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Op {
	case OpCompiled:
		return json.Marshal(struct {
			Op     Op     `json:"op"`
			ID     int64  `json:"id"`
			Symbol string `json:"symbol"`
			Object []byte `json:"object"`
		}{r.Op, r.ID, r.Symbol, r.Object})
	case OpRequired:
		modules := r.Modules
		if modules == nil {
			modules = []Artifact{}
		}
		return json.Marshal(struct {
			Op      Op         `json:"op"`
			ID      int64      `json:"id"`
			Modules []Artifact `json:"modules"`
		}{r.Op, r.ID, modules})
	case OpPong:
		return json.Marshal(struct {
			Op Op    `json:"op"`
			ID int64 `json:"id"`
		}{r.Op, r.ID})
	case OpError:
		return json.Marshal(struct {
			Op    Op        `json:"op"`
			ID    int64     `json:"id"`
			Error string    `json:"error"`
			Type  ErrorKind `json:"type"`
		}{r.Op, r.ID, r.Error, r.Type})
	case OpNativeSourceResult:
		return json.Marshal(struct {
			Op     Op     `json:"op"`
			ID     int64  `json:"id"`
			Source string `json:"source"`
		}{r.Op, r.ID, r.Source})
	case OpNeedSource:
		return json.Marshal(struct {
			Op Op     `json:"op"`
			ID int64  `json:"id"`
			NS string `json:"ns"`
		}{r.Op, r.ID, r.NS})
	default:
		type plain Response
		return json.Marshal(plain(r))
	}
}
