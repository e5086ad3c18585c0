package expr

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewRequestEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(request.headers, "x-key") == "value"`)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Key", "value")
	matched, err := program.EvalBool(RequestContext(req))
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missingProgram, err := env.Compile(`lookup(request.headers, "missing") == "value"`)
	require.NoError(t, err)
	matched, err = missingProgram.EvalBool(RequestContext(req))
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	env, err := NewRequestEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`1 + 1`)
	require.Error(t, err)

	_, err = env.Compile(`   `)
	require.Error(t, err)
}

func TestRequestEnvironmentHidesResponse(t *testing.T) {
	env, err := NewRequestEnvironment()
	require.NoError(t, err)
	_, err = env.Compile(`response.status == 200`)
	require.Error(t, err)
}

func TestResponseEnvironment(t *testing.T) {
	env, err := NewResponseEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`request.method == "GET" && response.status == 200 && response.headers["content-type"].startsWith("application/json")`)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=utf-8")

	matched, err := program.EvalBool(ResponseContext(req, http.StatusOK, header))
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.EvalBool(ResponseContext(req, http.StatusNotFound, header))
	require.NoError(t, err)
	require.False(t, matched)

	_, err = program.EvalBool(ResponseContext(req, http.StatusOK, http.Header{}))
	require.Error(t, err, "missing header key surfaces as an evaluation error")
}

func TestProgramSource(t *testing.T) {
	env, err := NewRequestEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestUninitializedProgram(t *testing.T) {
	_, err := Program{}.EvalBool(map[string]any{})
	require.Error(t, err)
}
