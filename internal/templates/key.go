package templates

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/l0p7/streamcache/internal/expr"
)

// DefaultKeyTemplate is used by rules that do not declare a key.
const DefaultKeyTemplate = ":method.:scheme.:host.:uri"

// ErrEmptyKey reports a key template that rendered to nothing.
var ErrEmptyKey = errors.New("templates: key rendered empty")

type placeholder int

const (
	literalPart placeholder = iota
	methodPart
	schemePart
	hostPart
	pathPart
	uriPart
	queryPart
	headerPart
	cookiePart
	paramPart
)

var placeholders = map[string]placeholder{
	"method": methodPart,
	"scheme": schemePart,
	"host":   hostPart,
	"path":   pathPart,
	"uri":    uriPart,
	"query":  queryPart,
	"header": headerPart,
	"cookie": cookiePart,
	"param":  paramPart,
}

type keyPart struct {
	kind placeholder
	text string
}

// KeyTemplate expands a rule's cache key from the request. Two syntaxes are
// accepted: Go templates (anything containing "{{") rendered against
// expr.RequestContext, and the compact placeholder form such as
// "/p/:path" or ":method.:host.:header.X-Tenant". "::" emits a literal colon.
type KeyTemplate struct {
	source string
	tmpl   *Template
	parts  []keyPart
}

// CompileKey parses source once so Build stays allocation-light on the hot
// path. An empty source selects DefaultKeyTemplate.
func CompileKey(r *Renderer, source string) (*KeyTemplate, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultKeyTemplate
	}
	if strings.Contains(source, "{{") {
		if r == nil {
			r = NewRenderer()
		}
		tmpl, err := r.CompileInline("key", source)
		if err != nil {
			return nil, err
		}
		return &KeyTemplate{source: source, tmpl: tmpl}, nil
	}
	parts, err := parsePlaceholders(source)
	if err != nil {
		return nil, err
	}
	return &KeyTemplate{source: source, parts: parts}, nil
}

// Source returns the template text the key was compiled from.
func (k *KeyTemplate) Source() string {
	if k == nil {
		return ""
	}
	return k.source
}

// Build renders the key for req. A render failure or an empty key is an error.
func (k *KeyTemplate) Build(req *http.Request) (string, error) {
	if k == nil {
		return "", errors.New("templates: nil key template")
	}
	if req == nil {
		return "", errors.New("templates: nil request")
	}
	var key string
	if k.tmpl != nil {
		rendered, err := k.tmpl.Render(expr.RequestContext(req))
		if err != nil {
			return "", err
		}
		key = rendered
	} else {
		key = k.expand(req)
	}
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}

func (k *KeyTemplate) expand(req *http.Request) string {
	var b strings.Builder
	for _, part := range k.parts {
		switch part.kind {
		case literalPart:
			b.WriteString(part.text)
		case methodPart:
			b.WriteString(req.Method)
		case schemePart:
			b.WriteString(expr.Scheme(req))
		case hostPart:
			b.WriteString(req.Host)
		case pathPart:
			if req.URL != nil {
				b.WriteString(strings.TrimPrefix(req.URL.Path, "/"))
			}
		case uriPart:
			if req.URL != nil {
				b.WriteString(req.URL.RequestURI())
			}
		case queryPart:
			if req.URL != nil {
				b.WriteString(req.URL.RawQuery)
			}
		case headerPart:
			b.WriteString(req.Header.Get(part.text))
		case cookiePart:
			if c, err := req.Cookie(part.text); err == nil {
				b.WriteString(c.Value)
			}
		case paramPart:
			if req.URL != nil {
				b.WriteString(req.URL.Query().Get(part.text))
			}
		}
	}
	return b.String()
}

func parsePlaceholders(source string) ([]keyPart, error) {
	var parts []keyPart
	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			parts = append(parts, keyPart{kind: literalPart, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(source); {
		c := source[i]
		if c != ':' {
			literal.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(source) && source[i+1] == ':' {
			literal.WriteByte(':')
			i += 2
			continue
		}
		end := i + 1
		for end < len(source) && isLower(source[end]) {
			end++
		}
		if end == i+1 {
			literal.WriteByte(':')
			i++
			continue
		}
		name := source[i+1 : end]
		kind, ok := placeholders[name]
		if !ok {
			return nil, fmt.Errorf("templates: unknown key placeholder :%s", name)
		}
		i = end
		var arg string
		if kind == headerPart || kind == cookiePart || kind == paramPart {
			if i >= len(source) || source[i] != '.' {
				return nil, fmt.Errorf("templates: key placeholder :%s requires a name", name)
			}
			argEnd := i + 1
			for argEnd < len(source) && isArgByte(source[argEnd]) {
				argEnd++
			}
			if argEnd == i+1 {
				return nil, fmt.Errorf("templates: key placeholder :%s requires a name", name)
			}
			arg = source[i+1 : argEnd]
			i = argEnd
		}
		flush()
		parts = append(parts, keyPart{kind: kind, text: arg})
	}
	flush()
	return parts, nil
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

func isArgByte(c byte) bool {
	return isLower(c) || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}
