package expr

import (
	"net/http"
	"strings"
	"time"
)

// RequestContext builds the activation shared by CEL predicates and key
// templates:
//   - CEL: request.method, request.path, request.headers["x-tenant"], request.cookies["sid"]
//   - Template: {{ .request.method }}, {{ index .request.headers "x-tenant" }}
//
// Header names are lower-cased and only the first value of each header or
// query parameter is exposed.
func RequestContext(r *http.Request) map[string]any {
	return map[string]any{
		"request": requestMap(r),
		"now":     time.Now().UTC(),
	}
}

// ResponseContext adds the upstream status and headers to the request activation.
func ResponseContext(r *http.Request, status int, header http.Header) map[string]any {
	vars := RequestContext(r)
	vars["response"] = map[string]any{
		"status":  status,
		"headers": flattenHeader(header),
	}
	return vars
}

func requestMap(r *http.Request) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	query := make(map[string]string)
	path, uri, rawQuery := "", "", ""
	if r.URL != nil {
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				query[key] = values[0]
			}
		}
		path = r.URL.Path
		uri = r.URL.RequestURI()
		rawQuery = r.URL.RawQuery
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		if _, ok := cookies[c.Name]; !ok {
			cookies[c.Name] = c.Value
		}
	}

	return map[string]any{
		"method":     r.Method,
		"scheme":     Scheme(r),
		"host":       r.Host,
		"path":       path,
		"uri":        uri,
		"rawQuery":   rawQuery,
		"remoteAddr": r.RemoteAddr,
		"headers":    flattenHeader(r.Header),
		"query":      query,
		"cookies":    cookies,
	}
}

// Scheme reports the scheme the client used, honoring X-Forwarded-Proto when
// the proxy sits behind a TLS terminator.
func Scheme(r *http.Request) string {
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		return strings.ToLower(proto)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func flattenHeader(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			out[strings.ToLower(key)] = values[0]
		}
	}
	return out
}
