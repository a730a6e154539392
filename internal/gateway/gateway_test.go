package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sp-gateway/internal/adminauth"
	"sp-gateway/internal/audit"
	"sp-gateway/internal/catalog"
	"sp-gateway/internal/dbexec"
	"sp-gateway/internal/logging"
	"sp-gateway/internal/middleware"
	"sp-gateway/internal/readcache"
	"sp-gateway/internal/resolver"
)

const testPassword = "s3cret"

type recordedCall struct {
	procedure string
	args      []any
	mutating  bool
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []recordedCall
	result dbexec.Result
	err    error
	// during runs inside Call, before the result is returned.
	during func()
}

func (f *fakeCaller) Call(_ context.Context, procedure string, args []any, mutating bool) (dbexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{procedure: procedure, args: args, mutating: mutating})
	during := f.during
	f.during = nil
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return f.result, f.err
}

type memRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memRedis) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := value.([]byte); ok {
		m.data[key] = string(b)
	}
	return redis.NewStatusResult("OK", nil)
}

func (m *memRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (m *memRedis) Close() error { return nil }

type memWriter struct {
	messages []kafka.Message
	err      error
}

func (m *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *memWriter) Close() error { return nil }

func newTestHandler(t *testing.T, caller *fakeCaller, mutate func(*Options)) http.Handler {
	t.Helper()
	verifier, err := adminauth.New(testPassword, "")
	require.NoError(t, err)
	opts := Options{
		Resolver: resolver.New(catalog.Default()),
		Caller:   caller,
		Verifier: verifier,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux, nil)
	return mux
}

func post(t *testing.T, handler http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/procesar", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rr, req)

	var decoded map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestProcess_RequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		status   int
		message  string
		errorKey string
	}{
		{"not json", "table=sectores", http.StatusBadRequest, errNotJSON.Error(), ""},
		{"json array", `[1,2]`, http.StatusBadRequest, errNotJSON.Error(), ""},
		{"trailing data", `{"table":"sectores"} {}`, http.StatusBadRequest, errNotJSON.Error(), ""},
		{"empty object needs password first", `{}`, http.StatusForbidden, errInvalidPassword.Error(), ""},
		{"wrong password", `{"admin_password":"nope","table":"sectores","operation":"list"}`, http.StatusForbidden, errInvalidPassword.Error(), ""},
		{"non string password", `{"admin_password":123,"table":"sectores","operation":"list"}`, http.StatusForbidden, errInvalidPassword.Error(), ""},
		{"missing table", `{"admin_password":"s3cret","operation":"list"}`, http.StatusBadRequest, errMissingTableOp.Error(), ""},
		{"blank table", `{"admin_password":"s3cret","operation":"list","table":"  "}`, http.StatusBadRequest, errMissingTableOp.Error(), ""},
		{"missing operation", `{"admin_password":"s3cret","table":"sectores"}`, http.StatusBadRequest, errMissingTableOp.Error(), ""},
		{"payload not object", `{"admin_password":"s3cret","table":"sectores","operation":"list","payload":[1]}`, http.StatusBadRequest, errPayloadNotMap.Error(), ""},
		{"unknown table", `{"admin_password":"s3cret","table":"nope","operation":"list"}`, http.StatusBadRequest, `unknown table "nope"`, "unknown_table"},
		{"unknown operation", `{"admin_password":"s3cret","table":"sectores","operation":"purge"}`, http.StatusBadRequest, `unsupported operation "purge"`, "unsupported_operation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{}
			rr, body := post(t, newTestHandler(t, caller, nil), tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.message, body["message"])
			if tt.errorKey != "" {
				assert.Equal(t, tt.errorKey, body["error"])
			} else {
				assert.NotContains(t, body, "error")
			}
			assert.Empty(t, caller.calls)
		})
	}
}

func TestProcess_PlainRead(t *testing.T) {
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{{"id_sector": int64(1), "nombre": "Norte"}}}}
	rr, body := post(t, newTestHandler(t, caller, nil),
		`{"admin_password":"s3cret","table":"sectores","operation":"list","payload":{}}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sp_sectores_leer", body["procedure"])
	assert.Equal(t, []any{}, body["params"])
	assert.Equal(t, []any{map[string]any{"id_sector": float64(1), "nombre": "Norte"}}, body["rows"])
	assert.NotContains(t, body, "warning")
	assert.NotContains(t, body, "cached")

	require.Len(t, caller.calls, 1)
	assert.Equal(t, recordedCall{procedure: "sp_sectores_leer", args: []any{}, mutating: false}, caller.calls[0])
}

func TestProcess_ReadUpgradesWithKey(t *testing.T) {
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{}}}
	rr, body := post(t, newTestHandler(t, caller, nil),
		`{"admin_password":"s3cret","tabla":"camaras","operacion":"get","payload":{"id_camara":12}}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sp_camaras_leer_por_id", body["procedure"])
	assert.Equal(t, []any{float64(12)}, body["params"])
	assert.Equal(t, []any{}, body["rows"])

	require.Len(t, caller.calls, 1)
	assert.Equal(t, []any{json.Number("12")}, caller.calls[0].args)
}

func TestProcess_MutationOrdersArgsAndNullsBlanks(t *testing.T) {
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{}}}
	rr, body := post(t, newTestHandler(t, caller, nil),
		`{"admin_password":"s3cret","table":"sectores","operation":"create","payload":{"descripcion":"zona","nombre":"  ","extra":1}}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sp_sectores_insertar", body["procedure"])
	assert.Equal(t, []any{nil, "zona"}, body["params"])
	require.Len(t, caller.calls, 1)
	assert.True(t, caller.calls[0].mutating)
}

func TestProcess_PartialCompositeKeyWarns(t *testing.T) {
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{}}}
	rr, body := post(t, newTestHandler(t, caller, nil),
		`{"admin_password":"s3cret","table":"reportes_plazas","operation":"get","payload":{"id_reporte":3}}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sp_reportes_plazas_leer", body["procedure"])
	assert.Contains(t, body["warning"], "id_plaza")
}

func TestProcess_DatabaseError(t *testing.T) {
	caller := &fakeCaller{err: errors.New("Error 1305: PROCEDURE does not exist")}
	rr, body := post(t, newTestHandler(t, caller, nil),
		`{"admin_password":"s3cret","table":"sectores","operation":"delete","payload":{"id_sector":1}}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "execution error: Error 1305: PROCEDURE does not exist", body["message"])
}

func TestProcess_BodyTooLarge(t *testing.T) {
	handler := newTestHandler(t, &fakeCaller{}, func(o *Options) { o.MaxBodyBytes = 16 })
	rr, body := post(t, handler, `{"admin_password":"s3cret","table":"sectores","operation":"list"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, errBodyTooLarge.Error(), body["message"])
}

func TestProcess_ReadCacheAndInvalidation(t *testing.T) {
	store := &memRedis{data: map[string]string{}}
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{{"id_plaza": 1}}}}
	handler := newTestHandler(t, caller, func(o *Options) {
		o.Cache = readcache.NewWithClient(store, readcache.Config{})
	})

	read := `{"admin_password":"s3cret","table":"plazas","operation":"list"}`
	rr, body := post(t, handler, read)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, body, "cached")

	rr, body = post(t, handler, read)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, []any{map[string]any{"id_plaza": float64(1)}}, body["rows"])
	assert.Len(t, caller.calls, 1)

	rr, _ = post(t, handler, `{"admin_password":"s3cret","table":"plazas","operation":"delete","payload":{"id_plaza":1}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1", store.data["spgw:plazas:gen"])

	rr, body = post(t, handler, read)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, body, "cached")
	assert.Len(t, caller.calls, 3)
}

func TestProcess_ReadOverlappingMutationIsNotCached(t *testing.T) {
	store := &memRedis{data: map[string]string{}}
	cache := readcache.NewWithClient(store, readcache.Config{})
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{{"nombre": "antes"}}}}
	caller.during = func() { cache.Invalidate(context.Background(), "sectores") }
	handler := newTestHandler(t, caller, func(o *Options) { o.Cache = cache })

	read := `{"admin_password":"s3cret","table":"sectores","operation":"list"}`
	rr, _ := post(t, handler, read)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body := post(t, handler, read)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, body, "cached")
	assert.Len(t, caller.calls, 2)
}

func TestProcess_MutationPublishesAudit(t *testing.T) {
	writer := &memWriter{}
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{}}}
	handler := newTestHandler(t, caller, func(o *Options) {
		o.Audit = audit.NewPublisherWithWriter(writer, "audit")
	})

	rr, _ := post(t, handler, `{"admin_password":"s3cret","table":"tipo_usuario","operation":"update","payload":{"id_tipo_usuario":2,"nombre":"op"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, writer.messages, 1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &ev))
	assert.Equal(t, "tipo_usuario", ev["table"])
	assert.Equal(t, "actualizar", ev["operation"])
	assert.Equal(t, "sp_tipo_usuario_actualizar", ev["procedure"])
	assert.Equal(t, []any{float64(2), "op", nil}, ev["params"])

	rr, _ = post(t, handler, `{"admin_password":"s3cret","table":"tipo_usuario","operation":"list"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, writer.messages, 1)
}

func TestProcess_AuditFailureDoesNotFailRequest(t *testing.T) {
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{}}}
	handler := newTestHandler(t, caller, func(o *Options) {
		o.Audit = audit.NewPublisherWithWriter(&memWriter{err: errors.New("no brokers")}, "audit")
	})

	rr, body := post(t, handler, `{"admin_password":"s3cret","table":"sectores","operation":"delete","payload":{"id_sector":1}}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
}

func TestProcess_WithoutVerifierUsesAuthSubject(t *testing.T) {
	writer := &memWriter{}
	caller := &fakeCaller{result: dbexec.Result{Rows: []map[string]any{}}}
	h, err := New(Options{
		Resolver: resolver.New(catalog.Default()),
		Caller:   caller,
		Audit:    audit.NewPublisherWithWriter(writer, "audit"),
	})
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithAuthContext(r.Context(), middleware.AuthContext{Subject: "operador-7"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})

	rr, _ := post(t, mux, `{"table":"sectores","operation":"eliminar","payload":{"id_sector":4}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, writer.messages, 1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &ev))
	assert.Equal(t, "operador-7", ev["subject"])
}

func TestTables(t *testing.T) {
	handler := newTestHandler(t, &fakeCaller{}, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tables", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Tables []tableView `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Tables, 12)
	assert.Equal(t, "tipo_usuario", body.Tables[0].Name)
	assert.Equal(t, []string{"id_tipo_usuario"}, body.Tables[0].LookupKey)
	assert.Equal(t, []string{"nombre", "descripcion"}, body.Tables[0].Operations["insertar"])
	assert.Equal(t, []string{}, body.Tables[0].Operations["leer"])
}

func TestIndex(t *testing.T) {
	handler := newTestHandler(t, &fakeCaller{}, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	for _, table := range catalog.Default().Tables() {
		assert.Contains(t, rr.Body.String(), table)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProcess_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, &fakeCaller{}, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/procesar", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Caller: &fakeCaller{}})
	assert.Error(t, err)
	_, err = New(Options{Resolver: resolver.New(catalog.Default())})
	assert.Error(t, err)
}

func TestPayloadObject(t *testing.T) {
	for _, empty := range []any{nil, "", []any{}, false} {
		got, err := payloadObject(empty)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	for _, bad := range []any{"x", []any{1}, true, json.Number("3")} {
		_, err := payloadObject(bad)
		assert.ErrorIs(t, err, errPayloadNotMap)
	}
}

func TestWriteJSON_LogsEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "debug", Format: "json", Output: &buf})
	req := httptest.NewRequest(http.MethodPost, "/procesar", nil)
	req = req.WithContext(logging.WithLogger(req.Context(), logger))
	rr := httptest.NewRecorder()

	writeJSON(rr, req, http.StatusOK, map[string]any{"rows": []map[string]any{{"latitud": math.Inf(1)}}})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, buf.String(), "response encode failed")
	assert.Contains(t, buf.String(), "unsupported value")
}
