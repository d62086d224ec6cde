package httpapi

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

const contentTypeProtobuf = "application/x-protobuf"

// wantsProtobuf reports whether the Accept header asks for a protobuf body.
func wantsProtobuf(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mt == contentTypeProtobuf || mt == "application/protobuf" {
			return true
		}
	}
	return false
}

// healthToProto encodes the report as a google.protobuf.Struct with the
// same field names as the JSON body.
func healthToProto(rep types.HealthReport) (*structpb.Struct, error) {
	raw, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
