package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	errNotJSON         = errors.New("expected a JSON object in the request body")
	errPayloadNotMap   = errors.New("payload must be a JSON object")
	errMissingTableOp  = errors.New("both 'operation' and 'table' must be provided")
	errBodyTooLarge    = errors.New("request body too large")
	errInvalidPassword = errors.New("invalid admin password")
)

// processRequest is the /procesar envelope. The Spanish keys operacion and
// tabla are accepted as fallbacks.
type processRequest struct {
	AdminPassword string
	Operation     string
	Table         string
	Payload       map[string]any
}

func decodeProcessRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (processRequest, error) {
	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	dec := json.NewDecoder(body)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return processRequest{}, errBodyTooLarge
		}
		return processRequest{}, errNotJSON
	}
	if data == nil {
		return processRequest{}, errNotJSON
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return processRequest{}, errNotJSON
	}

	payload, err := payloadObject(data["payload"])
	if err != nil {
		return processRequest{}, err
	}

	return processRequest{
		AdminPassword: stringValue(data["admin_password"]),
		Operation:     firstString(data, "operation", "operacion"),
		Table:         strings.TrimSpace(firstString(data, "table", "tabla")),
		Payload:       payload,
	}, nil
}

// payloadObject accepts an object, or any empty value standing in for one.
func payloadObject(v any) (map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case nil:
		return map[string]any{}, nil
	case string:
		if val == "" {
			return map[string]any{}, nil
		}
	case []any:
		if len(val) == 0 {
			return map[string]any{}, nil
		}
	case bool:
		if !val {
			return map[string]any{}, nil
		}
	}
	return nil, errPayloadNotMap
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(data[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
